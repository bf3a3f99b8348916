package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wsEnvelope is the frame format in both directions. Replies to a command
// carry the command's requestId.
type wsEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsCommand struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsChannelPayload is shared by every channel-scoped command and event.
type wsChannelPayload struct {
	Channel string         `json:"channel"`
	Message *Message       `json:"message,omitempty"`
	Member  *PresenceData  `json:"member,omitempty"`
	UserID  string         `json:"userId,omitempty"`
	Members []PresenceData `json:"members,omitempty"`
}

type wsErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

const (
	wsAuthenticated    = "authenticated"
	wsAck              = "ack"
	wsError            = "error"
	wsPing             = "ping"
	wsPong             = "pong"
	wsAttach           = "channel.attach"
	wsDetach           = "channel.detach"
	wsPublish          = "message.publish"
	wsPresenceGet      = "presence.get"
	wsPresenceSnapshot = "presence.snapshot"

	wsRequestTimeout = 10 * time.Second
)

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport talks to the inbox realtime gateway over a WebSocket.
type WSTransport struct {
	baseURL    string
	heartbeat  time.Duration
	httpClient *http.Client
}

// NewWSTransport creates a WebSocket transport. baseURL may use http(s) or
// ws(s); the gateway is expected at /ws.
func NewWSTransport(baseURL string, heartbeat time.Duration, httpClient *http.Client) *WSTransport {
	if heartbeat == 0 {
		heartbeat = 25 * time.Second
	}
	return &WSTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		heartbeat:  heartbeat,
		httpClient: httpClient,
	}
}

func (t *WSTransport) Name() string { return TransportWebSocket }

// URL returns the gateway URL the transport dials.
func (t *WSTransport) URL() string {
	u := strings.Replace(t.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// Dial connects and waits for the gateway's "authenticated" frame.
func (t *WSTransport) Dial(ctx context.Context, token string, sink func(Event)) (Link, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	if t.httpClient != nil {
		// The websocket library cancels through ctx and refuses clients
		// with a Timeout set.
		hc := *t.httpClient
		hc.Timeout = 0
		opts.HTTPClient = &hc
	}

	conn, resp, err := websocket.Dial(ctx, t.URL(), opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("decode auth message: %w", err)
	}
	if env.Type != wsAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == wsError {
			return nil, wsRemoteError(env.Payload)
		}
		return nil, fmt.Errorf("expected %q, got %q", wsAuthenticated, env.Type)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &wsLink{
		conn:      conn,
		sink:      sink,
		inbox:     newMailbox(),
		heartbeat: t.heartbeat,
		ctx:       linkCtx,
		cancel:    cancel,
		pending:   make(map[string]chan wsEnvelope),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	go l.heartbeatLoop()
	return l, nil
}

// ============================================================================
// wsLink
// ============================================================================

type wsLink struct {
	conn      *websocket.Conn
	sink      func(Event)
	inbox     *mailbox
	heartbeat time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan wsEnvelope

	mu       sync.Mutex
	err      error
	closing  bool
	finished bool
	done     chan struct{}
}

func (l *wsLink) Done() <-chan struct{} { return l.done }

func (l *wsLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close shuts the link down without reporting an error.
func (l *wsLink) Close() error {
	l.mu.Lock()
	if l.finished || l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	l.mu.Unlock()

	err := l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	l.finish(nil)
	return err
}

// finish marks the link dead exactly once and fails every pending request.
func (l *wsLink) finish(err error) bool {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return false
	}
	l.finished = true
	if !l.closing {
		l.err = err
	}
	l.mu.Unlock()

	l.cancel()
	l.pendingMu.Lock()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()
	l.inbox.close()
	close(l.done)
	return true
}

func (l *wsLink) Attach(ctx context.Context, channel string) error {
	_, err := l.request(ctx, wsAttach, wsChannelPayload{Channel: channel})
	return err
}

func (l *wsLink) Detach(ctx context.Context, channel string) error {
	_, err := l.request(ctx, wsDetach, wsChannelPayload{Channel: channel})
	return err
}

func (l *wsLink) Publish(ctx context.Context, channel string, msg Message) error {
	_, err := l.request(ctx, wsPublish, wsChannelPayload{Channel: channel, Message: &msg})
	return err
}

func (l *wsLink) PresenceEnter(ctx context.Context, channel string, data PresenceData) error {
	_, err := l.request(ctx, string(KindPresenceEnter), wsChannelPayload{Channel: channel, Member: &data})
	return err
}

func (l *wsLink) PresenceUpdate(ctx context.Context, channel string, data PresenceData) error {
	_, err := l.request(ctx, string(KindPresenceUpdate), wsChannelPayload{Channel: channel, Member: &data})
	return err
}

func (l *wsLink) PresenceLeave(ctx context.Context, channel string, participantID string) error {
	_, err := l.request(ctx, string(KindPresenceLeave), wsChannelPayload{Channel: channel, UserID: participantID})
	return err
}

func (l *wsLink) PresenceGet(ctx context.Context, channel string) ([]PresenceData, error) {
	reply, err := l.request(ctx, wsPresenceGet, wsChannelPayload{Channel: channel})
	if err != nil {
		return nil, err
	}
	p, err := decodeJSON[wsChannelPayload](reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode presence snapshot: %w", err)
	}
	return p.Members, nil
}

// request writes a command and waits for the reply carrying its requestId.
func (l *wsLink) request(ctx context.Context, typ string, payload any) (wsEnvelope, error) {
	requestID := uuid.NewString()
	ch := make(chan wsEnvelope, 1)

	l.pendingMu.Lock()
	select {
	case <-l.done:
		l.pendingMu.Unlock()
		return wsEnvelope{}, l.deadErr()
	default:
	}
	l.pending[requestID] = ch
	l.pendingMu.Unlock()

	data, err := json.Marshal(wsCommand{Type: typ, RequestID: requestID, Payload: payload})
	if err != nil {
		l.dropPending(requestID)
		return wsEnvelope{}, err
	}
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		l.dropPending(requestID)
		return wsEnvelope{}, fmt.Errorf("write %s: %w", typ, err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return wsEnvelope{}, l.deadErr()
		}
		if reply.Type == wsError {
			return wsEnvelope{}, wsRemoteError(reply.Payload)
		}
		return reply, nil
	case <-l.done:
		l.dropPending(requestID)
		return wsEnvelope{}, l.deadErr()
	case <-timer.C:
		l.dropPending(requestID)
		return wsEnvelope{}, fmt.Errorf("%s: no reply within %s", typ, wsRequestTimeout)
	case <-ctx.Done():
		l.dropPending(requestID)
		return wsEnvelope{}, ctx.Err()
	}
}

func (l *wsLink) dropPending(requestID string) {
	l.pendingMu.Lock()
	delete(l.pending, requestID)
	l.pendingMu.Unlock()
}

func (l *wsLink) deadErr() error {
	if err := l.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return ErrNotConnected
}

func (l *wsLink) readLoop() {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			l.finish(fmt.Errorf("websocket read: %w", err))
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.RequestID != "" {
			l.pendingMu.Lock()
			ch, ok := l.pending[env.RequestID]
			if ok {
				delete(l.pending, env.RequestID)
			}
			l.pendingMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		l.dispatch(env)
	}
}

func (l *wsLink) dispatch(env wsEnvelope) {
	kind := EventKind(env.Type)
	switch kind {
	case KindMessage, KindPresenceEnter, KindPresenceUpdate, KindPresenceLeave:
	default:
		return
	}
	p, err := decodeJSON[wsChannelPayload](env.Payload)
	if err != nil || p.Channel == "" {
		return
	}
	ev := Event{Kind: kind, Channel: p.Channel, Message: p.Message, Presence: p.Member}
	if kind == KindPresenceLeave && ev.Presence == nil {
		ev.Presence = &PresenceData{UserID: p.UserID}
	}
	if kind == KindMessage && ev.Message == nil {
		return
	}
	if kind != KindMessage && ev.Presence == nil {
		return
	}
	l.inbox.push(func() { l.sink(ev) })
}

func (l *wsLink) heartbeatLoop() {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, wsRequestTimeout)
			_, err := l.request(ctx, wsPing, nil)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// Missed heartbeat: force the read loop to fail.
				l.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func wsRemoteError(payload json.RawMessage) error {
	p, err := decodeJSON[wsErrorPayload](payload)
	if err != nil {
		return errors.New("gateway error")
	}
	if p.Code == "unauthorized" {
		return fmt.Errorf("%s: %w", p.Message, ErrUnauthorized)
	}
	return &APIError{Code: p.Code, Message: p.Message}
}
