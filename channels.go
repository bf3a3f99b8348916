package inbox

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Namespaces a channel name may already carry.
const (
	NamespaceTicket       = "ticket:"
	NamespaceConversation = "conversation:"
	NamespacePresence     = "presence:"
)

// NormalizeChannelName maps a logical id to its channel name. Names already
// carrying a known namespace are kept as they are; anything else lives in
// the conversation namespace.
func NormalizeChannelName(name string) string {
	name = strings.TrimSpace(name)
	for _, ns := range []string{NamespaceTicket, NamespaceConversation, NamespacePresence} {
		if strings.HasPrefix(name, ns) {
			return name
		}
	}
	return NamespaceConversation + name
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a shared handle on one attached channel. All holders of the same
// normalized name get the same *Channel.
type Channel struct {
	name  string
	reg   *ChannelRegistry
	ready chan struct{}
	err   error
	refs  int
}

// Name returns the normalized channel name.
func (c *Channel) Name() string { return c.name }

func (c *Channel) link() (Link, error) {
	return c.reg.conn.Link()
}

// Publish sends msg on the channel. Failures are returned as *SendError.
func (c *Channel) Publish(ctx context.Context, msg Message) error {
	link, err := c.link()
	if err != nil {
		return &SendError{MessageID: msg.ID, Channel: c.name, Err: err}
	}
	if err := link.Publish(ctx, c.name, msg); err != nil {
		return &SendError{MessageID: msg.ID, Channel: c.name, Err: err}
	}
	return nil
}

// OnMessage registers fn for messages arriving on the channel. fn runs on
// the transport's delivery goroutine.
func (c *Channel) OnMessage(fn func(Message)) *Subscription {
	return On[Message](c.reg.events, Topic{Kind: KindMessage, Channel: c.name}, fn)
}

// OnPresence registers fn for one kind of raw presence event.
func (c *Channel) OnPresence(kind EventKind, fn func(PresenceData)) *Subscription {
	return On[PresenceData](c.reg.events, Topic{Kind: kind, Channel: c.name}, fn)
}

func (c *Channel) EnterPresence(ctx context.Context, data PresenceData) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	return link.PresenceEnter(ctx, c.name, data)
}

func (c *Channel) UpdatePresence(ctx context.Context, data PresenceData) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	return link.PresenceUpdate(ctx, c.name, data)
}

func (c *Channel) LeavePresence(ctx context.Context, participantID string) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	return link.PresenceLeave(ctx, c.name, participantID)
}

// GetPresence fetches the channel's full presence set from the backend.
func (c *Channel) GetPresence(ctx context.Context) ([]PresenceData, error) {
	link, err := c.link()
	if err != nil {
		return nil, err
	}
	return link.PresenceGet(ctx, c.name)
}

// ============================================================================
// ChannelRegistry
// ============================================================================

// ChannelRegistry caches attached channels and reference counts their users.
// It is the only writer of its cache.
type ChannelRegistry struct {
	conn   *ConnectionManager
	events *EventRegistry
	logger *slog.Logger
	watch  *stateWatch

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewChannelRegistry creates a registry on top of conn.
func NewChannelRegistry(conn *ConnectionManager, logger *slog.Logger) *ChannelRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ChannelRegistry{
		conn:     conn,
		events:   conn.Events(),
		logger:   logger.With("component", "channels"),
		channels: make(map[string]*Channel),
	}
	// Connection cleanup clears every listener; the cache goes with it since
	// the link it was attached on is gone.
	r.watch = newStateWatch(conn, r.onState, func() {
		r.mu.Lock()
		r.channels = make(map[string]*Channel)
		r.mu.Unlock()
	})
	return r
}

// GetChannel returns the channel for name, attaching it on first use. Every
// successful call must be paired with a ReleaseChannel. When the connection
// cannot be obtained nothing is cached and the error is a *ChannelError
// wrapping the connection's error.
func (r *ChannelRegistry) GetChannel(ctx context.Context, name string) (*Channel, error) {
	name = NormalizeChannelName(name)

	r.watch.ensure()
	r.mu.Lock()
	if c, ok := r.channels[name]; ok {
		c.refs++
		r.mu.Unlock()
		select {
		case <-c.ready:
		case <-ctx.Done():
			r.release(c)
			return nil, ctx.Err()
		}
		if c.err != nil {
			return nil, c.err
		}
		return c, nil
	}
	c := &Channel{name: name, reg: r, ready: make(chan struct{}), refs: 1}
	r.channels[name] = c
	r.mu.Unlock()

	if err := r.attach(ctx, name); err != nil {
		r.mu.Lock()
		if r.channels[name] == c {
			delete(r.channels, name)
		}
		r.mu.Unlock()
		c.err = &ChannelError{Channel: name, Err: err}
		close(c.ready)
		return nil, c.err
	}
	close(c.ready)
	return c, nil
}

func (r *ChannelRegistry) attach(ctx context.Context, name string) error {
	link, err := r.conn.Initialize(ctx)
	if err != nil {
		return err
	}
	return link.Attach(ctx, name)
}

// ReleaseChannel drops one reference. The last release detaches the channel
// and evicts it. Releasing a name that is not cached does nothing.
func (r *ChannelRegistry) ReleaseChannel(ctx context.Context, name string) error {
	name = NormalizeChannelName(name)
	r.mu.Lock()
	c := r.channels[name]
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return r.releaseCtx(ctx, c)
}

func (r *ChannelRegistry) release(c *Channel) {
	if err := r.releaseCtx(context.Background(), c); err != nil {
		r.logger.Warn("detach failed", "channel", c.name, "error", err)
	}
}

func (r *ChannelRegistry) releaseCtx(ctx context.Context, c *Channel) error {
	r.mu.Lock()
	if r.channels[c.name] != c {
		r.mu.Unlock()
		return nil
	}
	c.refs--
	if c.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.channels, c.name)
	r.mu.Unlock()

	link, err := r.conn.Link()
	if err != nil {
		// Nothing attached on a dead link.
		return nil
	}
	return link.Detach(ctx, c.name)
}

// ReleaseAll detaches and evicts every cached channel regardless of its
// reference count.
func (r *ChannelRegistry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	all := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	link, err := r.conn.Link()
	if err != nil {
		return
	}
	for name := range all {
		if err := link.Detach(ctx, name); err != nil {
			r.logger.Warn("detach failed", "channel", name, "error", err)
		}
	}
}

// Channels lists the cached channel names.
func (r *ChannelRegistry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refs returns how many holders the cached channel has, or 0.
func (r *ChannelRegistry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[NormalizeChannelName(name)]; ok {
		return c.refs
	}
	return 0
}

// onState re-attaches ready channels once the link is back.
func (r *ChannelRegistry) onState(ch StateChange) {
	if ch.To != StateConnected || !ch.Resumed {
		return
	}
	r.mu.Lock()
	var names []string
	for name, c := range r.channels {
		select {
		case <-c.ready:
			if c.err == nil {
				names = append(names, name)
			}
		default:
		}
	}
	r.mu.Unlock()
	if len(names) == 0 {
		return
	}

	go func() {
		link, err := r.conn.Link()
		if err != nil {
			return
		}
		for _, name := range names {
			if err := link.Attach(context.Background(), name); err != nil {
				r.logger.Warn("re-attach failed", "channel", name, "error", err)
			}
		}
		r.logger.Info("channels re-attached", "count", len(names))
	}()
}
