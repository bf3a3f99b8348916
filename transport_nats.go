package inbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsSubjectPrefix  = "inbox"
	natsPresenceBucket = "inbox_presence"
	natsPresencePrefix = "p"
)

// NATSTransport carries chat messages over core NATS subjects and presence
// over a JetStream key-value bucket whose entries expire after ttl.
type NATSTransport struct {
	url string
	ttl time.Duration
}

// NewNATSTransport creates a NATS transport for the given server URL.
func NewNATSTransport(url string, presenceTTL time.Duration) *NATSTransport {
	if url == "" {
		url = nats.DefaultURL
	}
	return &NATSTransport{url: url, ttl: presenceTTL}
}

func (t *NATSTransport) Name() string { return TransportNATS }

// natsToken makes an arbitrary name safe as a subject or key token.
func natsToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func natsSubject(channel string) string {
	return natsSubjectPrefix + "." + natsToken(channel)
}

func natsPresenceKey(channel, participantID string) string {
	return natsPresencePrefix + "." + natsToken(channel) + "." + natsToken(participantID)
}

func natsPresenceFilter(channel string) string {
	return natsPresencePrefix + "." + natsToken(channel) + ".*"
}

// participantFromKey recovers the participant id from a presence key.
func participantFromKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(key[i+1:])
	if err != nil {
		return "", false
	}
	return string(b), true
}

// natsPresenceValue is the JSON stored under a presence key.
type natsPresenceValue struct {
	Action EventKind    `json:"action"`
	Member PresenceData `json:"member"`
}

func (t *NATSTransport) Dial(ctx context.Context, token string, sink func(Event)) (Link, error) {
	l := &natsLink{
		sink:     sink,
		subs:     make(map[string]*natsAttachment),
		entered:  make(map[string][]byte),
		done:     make(chan struct{}),
		inbox:    newMailbox(),
		deadline: 10 * time.Second,
	}
	if d, ok := ctx.Deadline(); ok && time.Until(d) > 0 {
		l.deadline = time.Until(d)
	}

	opts := []nats.Option{
		nats.Name("inbox-realtime"),
		nats.Timeout(l.deadline),
		// Reconnects belong to the connection manager so that token
		// refresh and state reporting happen in one place.
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			l.finish(nc.LastError())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.finish(err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		l.inbox.close()
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("nats connect: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	l.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      natsPresenceBucket,
		Description: "Inbox conversation presence",
		TTL:         t.ttl,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("presence bucket %q: %w", natsPresenceBucket, err)
	}
	l.kv = kv
	if t.ttl > 0 {
		go l.refreshPresence(t.ttl / 2)
	}
	return l, nil
}

// ============================================================================
// natsLink
// ============================================================================

type natsAttachment struct {
	sub     *nats.Subscription
	watcher jetstream.KeyWatcher
}

type natsLink struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	sink     func(Event)
	inbox    *mailbox
	deadline time.Duration

	// presMu guards entered and serializes presence writes so that a
	// refresh never resurrects a key that was just deleted.
	presMu  sync.Mutex
	entered map[string][]byte

	mu       sync.Mutex
	subs     map[string]*natsAttachment
	err      error
	closing  bool
	finished bool
	done     chan struct{}
}

func (l *natsLink) Done() <-chan struct{} { return l.done }

func (l *natsLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close removes the presence entries made through the link, then closes
// the connection.
func (l *natsLink) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.leaveAll()
	l.nc.Close()
	l.finish(nil)
	return nil
}

func (l *natsLink) leaveAll() {
	if l.kv == nil {
		return
	}
	l.presMu.Lock()
	defer l.presMu.Unlock()
	for key := range l.entered {
		ctx, cancel := context.WithTimeout(context.Background(), l.deadline)
		l.kv.Delete(ctx, key)
		cancel()
	}
	l.entered = make(map[string][]byte)
}

// refreshPresence re-puts every entry entered through the link so that the
// bucket TTL only removes participants whose link is gone.
func (l *natsLink) refreshPresence(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
		l.presMu.Lock()
		for key, value := range l.entered {
			ctx, cancel := context.WithTimeout(context.Background(), l.deadline)
			l.kv.Put(ctx, key, value)
			cancel()
		}
		l.presMu.Unlock()
	}
}

func (l *natsLink) finish(err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	if !l.closing {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		l.err = err
	}
	subs := l.subs
	l.subs = make(map[string]*natsAttachment)
	l.mu.Unlock()

	for _, a := range subs {
		a.watcher.Stop()
	}
	l.inbox.close()
	close(l.done)
}

func (l *natsLink) Attach(ctx context.Context, channel string) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := l.subs[channel]; ok {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	sub, err := l.nc.Subscribe(natsSubject(channel), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		l.inbox.push(func() { l.sink(Event{Kind: KindMessage, Channel: channel, Message: &msg}) })
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	watcher, err := l.kv.Watch(context.Background(), natsPresenceFilter(channel), jetstream.UpdatesOnly())
	if err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("watch presence %s: %w", channel, err)
	}
	go l.watchPresence(channel, watcher)

	l.mu.Lock()
	l.subs[channel] = &natsAttachment{sub: sub, watcher: watcher}
	l.mu.Unlock()
	return l.nc.FlushWithContext(ctx)
}

func (l *natsLink) watchPresence(channel string, w jetstream.KeyWatcher) {
	for entry := range w.Updates() {
		if entry == nil {
			continue
		}
		ev := Event{Channel: channel}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			var v natsPresenceValue
			if err := json.Unmarshal(entry.Value(), &v); err != nil {
				continue
			}
			ev.Kind = v.Action
			if ev.Kind != KindPresenceEnter {
				ev.Kind = KindPresenceUpdate
			}
			member := v.Member
			ev.Presence = &member
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			id, ok := participantFromKey(entry.Key())
			if !ok {
				continue
			}
			ev.Kind = KindPresenceLeave
			ev.Presence = &PresenceData{UserID: id}
		default:
			continue
		}
		l.inbox.push(func() { l.sink(ev) })
	}
}

func (l *natsLink) Detach(ctx context.Context, channel string) error {
	l.mu.Lock()
	a := l.subs[channel]
	delete(l.subs, channel)
	l.mu.Unlock()
	if a == nil {
		return nil
	}
	a.watcher.Stop()
	return a.sub.Unsubscribe()
}

func (l *natsLink) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := l.nc.Publish(natsSubject(channel), data); err != nil {
		return err
	}
	// Flush so a dead connection surfaces here rather than silently buffering.
	return l.nc.FlushWithContext(ctx)
}

func (l *natsLink) PresenceEnter(ctx context.Context, channel string, data PresenceData) error {
	return l.putPresence(ctx, channel, KindPresenceEnter, data)
}

func (l *natsLink) PresenceUpdate(ctx context.Context, channel string, data PresenceData) error {
	return l.putPresence(ctx, channel, KindPresenceUpdate, data)
}

func (l *natsLink) putPresence(ctx context.Context, channel string, action EventKind, data PresenceData) error {
	if data.UserID == "" {
		return errors.New("presence: userId is required")
	}
	value, err := json.Marshal(natsPresenceValue{Action: action, Member: data})
	if err != nil {
		return err
	}
	key := natsPresenceKey(channel, data.UserID)

	l.presMu.Lock()
	defer l.presMu.Unlock()
	if _, err := l.kv.Put(ctx, key, value); err != nil {
		return err
	}
	l.entered[key] = value
	return nil
}

func (l *natsLink) PresenceLeave(ctx context.Context, channel string, participantID string) error {
	key := natsPresenceKey(channel, participantID)

	l.presMu.Lock()
	defer l.presMu.Unlock()
	delete(l.entered, key)
	err := l.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// PresenceGet reads the current entries: the watcher replays them and then
// sends a nil marker.
func (l *natsLink) PresenceGet(ctx context.Context, channel string) ([]PresenceData, error) {
	w, err := l.kv.Watch(ctx, natsPresenceFilter(channel), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer w.Stop()

	var out []PresenceData
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return out, nil
			}
			var v natsPresenceValue
			if json.Unmarshal(entry.Value(), &v) == nil {
				out = append(out, v.Member)
			}
		}
	}
}
