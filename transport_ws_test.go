package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// testGateway is a minimal realtime gateway speaking the WebSocket frame
// format.
type testGateway struct {
	token string

	mu      sync.Mutex
	conns   map[*websocket.Conn]map[string]bool
	members map[string]map[string]PresenceData
}

func newTestGateway(t *testing.T, token string) (*testGateway, *httptest.Server) {
	t.Helper()
	g := &testGateway{
		token:   token,
		conns:   make(map[*websocket.Conn]map[string]bool),
		members: make(map[string]map[string]PresenceData),
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *testGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	g.mu.Lock()
	g.conns[conn] = make(map[string]bool)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	g.write(conn, wsCommand{Type: wsAuthenticated})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		var p wsChannelPayload
		if len(env.Payload) > 0 {
			json.Unmarshal(env.Payload, &p)
		}
		g.handle(conn, env, p)
	}
}

func (g *testGateway) handle(conn *websocket.Conn, env wsEnvelope, p wsChannelPayload) {
	ack := wsCommand{Type: wsAck, RequestID: env.RequestID}
	if p.Channel == "conversation:forbidden" {
		g.write(conn, wsCommand{
			Type:      wsError,
			RequestID: env.RequestID,
			Payload:   wsErrorPayload{Code: "forbidden", Message: "not a participant"},
		})
		return
	}

	switch env.Type {
	case wsPing:
		g.write(conn, wsCommand{Type: wsPong, RequestID: env.RequestID})
	case wsAttach:
		g.mu.Lock()
		g.conns[conn][p.Channel] = true
		g.mu.Unlock()
		g.write(conn, ack)
	case wsDetach:
		g.mu.Lock()
		delete(g.conns[conn], p.Channel)
		g.mu.Unlock()
		g.write(conn, ack)
	case wsPublish:
		g.write(conn, ack)
		g.broadcast(p.Channel, wsCommand{Type: string(KindMessage), Payload: wsChannelPayload{Channel: p.Channel, Message: p.Message}})
	case string(KindPresenceEnter), string(KindPresenceUpdate):
		g.mu.Lock()
		if g.members[p.Channel] == nil {
			g.members[p.Channel] = make(map[string]PresenceData)
		}
		g.members[p.Channel][p.Member.UserID] = *p.Member
		g.mu.Unlock()
		g.write(conn, ack)
		g.broadcast(p.Channel, wsCommand{Type: env.Type, Payload: wsChannelPayload{Channel: p.Channel, Member: p.Member}})
	case string(KindPresenceLeave):
		g.mu.Lock()
		delete(g.members[p.Channel], p.UserID)
		g.mu.Unlock()
		g.write(conn, ack)
		g.broadcast(p.Channel, wsCommand{Type: env.Type, Payload: wsChannelPayload{Channel: p.Channel, UserID: p.UserID}})
	case wsPresenceGet:
		g.mu.Lock()
		members := make([]PresenceData, 0, len(g.members[p.Channel]))
		for _, m := range g.members[p.Channel] {
			members = append(members, m)
		}
		g.mu.Unlock()
		g.write(conn, wsCommand{
			Type:      wsPresenceSnapshot,
			RequestID: env.RequestID,
			Payload:   wsChannelPayload{Channel: p.Channel, Members: members},
		})
	default:
		g.write(conn, wsCommand{
			Type:      wsError,
			RequestID: env.RequestID,
			Payload:   wsErrorPayload{Code: "unknown_command", Message: env.Type},
		})
	}
}

func (g *testGateway) write(conn *websocket.Conn, cmd wsCommand) {
	data, _ := json.Marshal(cmd)
	conn.Write(context.Background(), websocket.MessageText, data)
}

func (g *testGateway) broadcast(channel string, cmd wsCommand) {
	g.mu.Lock()
	var targets []*websocket.Conn
	for c, attached := range g.conns {
		if attached[channel] {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()
	for _, c := range targets {
		g.write(c, cmd)
	}
}

// dropAll closes every connection from the gateway side.
func (g *testGateway) dropAll() {
	g.mu.Lock()
	var conns []*websocket.Conn
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

// eventLog collects events handed to a link sink.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) has(kind EventKind, match func(Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && match(ev) {
			return true
		}
	}
	return false
}

func dialGateway(t *testing.T, srv *httptest.Server, token string) (Link, *eventLog) {
	t.Helper()
	log := &eventLog{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	link, err := NewWSTransport(srv.URL, 0, nil).Dial(ctx, token, log.add)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link, log
}

func TestWSTransport_URL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://rt.example.com", "wss://rt.example.com/ws"},
		{"http://localhost:8080/", "ws://localhost:8080/ws"},
		{"wss://rt.example.com/ws", "wss://rt.example.com/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			if got := NewWSTransport(tt.base, 0, nil).URL(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWSTransport_RejectedToken(t *testing.T) {
	_, srv := newTestGateway(t, "good")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewWSTransport(srv.URL, 0, nil).Dial(ctx, "bad", func(Event) {})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWSTransport_MessagesAndPresence(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t, "good")
	agent, _ := dialGateway(t, srv, "good")
	customer, customerLog := dialGateway(t, srv, "good")

	const channel = "conversation:1"
	for _, l := range []Link{agent, customer} {
		if err := l.Attach(ctx, channel); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}

	t.Run("publish", func(t *testing.T) {
		msg := Message{ID: "m1", Text: "hello", Sender: Sender{ID: "a1", Name: "Ana", Type: SenderAgent}}
		if err := agent.Publish(ctx, channel, msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		waitFor(t, time.Second, "message delivered", func() bool {
			return customerLog.has(KindMessage, func(ev Event) bool {
				return ev.Channel == channel && ev.Message.ID == "m1" && ev.Message.Sender.Name == "Ana"
			})
		})
	})

	t.Run("presence", func(t *testing.T) {
		if err := agent.PresenceEnter(ctx, channel, PresenceData{UserID: "a1", Name: "Ana"}); err != nil {
			t.Fatalf("PresenceEnter: %v", err)
		}
		waitFor(t, time.Second, "enter delivered", func() bool {
			return customerLog.has(KindPresenceEnter, func(ev Event) bool { return ev.Presence.UserID == "a1" })
		})

		members, err := customer.PresenceGet(ctx, channel)
		if err != nil {
			t.Fatalf("PresenceGet: %v", err)
		}
		if len(members) != 1 || members[0].Name != "Ana" {
			t.Fatalf("unexpected snapshot: %+v", members)
		}

		if err := agent.PresenceLeave(ctx, channel, "a1"); err != nil {
			t.Fatalf("PresenceLeave: %v", err)
		}
		waitFor(t, time.Second, "leave delivered", func() bool {
			return customerLog.has(KindPresenceLeave, func(ev Event) bool { return ev.Presence.UserID == "a1" })
		})
	})

	t.Run("detached channels are quiet", func(t *testing.T) {
		if err := customer.Detach(ctx, channel); err != nil {
			t.Fatalf("Detach: %v", err)
		}
		if err := agent.Publish(ctx, channel, Message{ID: "m2", Text: "gone"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if customerLog.has(KindMessage, func(ev Event) bool { return ev.Message.ID == "m2" }) {
			t.Fatal("expected no delivery after Detach")
		}
	})
}

func TestWSTransport_GatewayError(t *testing.T) {
	_, srv := newTestGateway(t, "good")
	link, _ := dialGateway(t, srv, "good")

	err := link.Attach(context.Background(), "conversation:forbidden")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "forbidden" {
		t.Errorf("expected code forbidden, got %q", apiErr.Code)
	}
}

func TestWSTransport_LinkLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("close", func(t *testing.T) {
		_, srv := newTestGateway(t, "good")
		link, _ := dialGateway(t, srv, "good")

		link.Close()
		select {
		case <-link.Done():
		case <-time.After(time.Second):
			t.Fatal("expected Done after Close")
		}
		if link.Err() != nil {
			t.Errorf("expected nil Err after Close, got %v", link.Err())
		}
		if err := link.Attach(ctx, "conversation:1"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("dropped by gateway", func(t *testing.T) {
		g, srv := newTestGateway(t, "good")
		link, _ := dialGateway(t, srv, "good")

		g.dropAll()
		select {
		case <-link.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("expected Done after the gateway closed")
		}
		if link.Err() == nil {
			t.Error("expected an error for an unexpected close")
		}
	})

	t.Run("heartbeat keeps the link", func(t *testing.T) {
		_, srv := newTestGateway(t, "good")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		link, err := NewWSTransport(srv.URL, 10*time.Millisecond, nil).Dial(ctx, "good", func(Event) {})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer link.Close()

		time.Sleep(100 * time.Millisecond)
		select {
		case <-link.Done():
			t.Fatalf("link died: %v", link.Err())
		default:
		}
	})
}

func TestClient_OverWebSocket(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t, "good")

	cfg := Config{
		Transport:      TransportWebSocket,
		URL:            srv.URL,
		Token:          "good",
		ConnectTimeout: 2 * time.Second,
	}
	newClient := func() *Client {
		c, err := NewClient(cfg, WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	}
	agent, customer := newClient(), newClient()

	var got inboxOf
	sub, err := customer.SubscribeMessages(ctx, "7", got.add)
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	defer sub.Unsubscribe()

	var (
		mu      sync.Mutex
		present []PresenceMember
	)
	psub, err := customer.OnPresenceChange(ctx, "7", func(m []PresenceMember) {
		mu.Lock()
		present = m
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("OnPresenceChange: %v", err)
	}
	defer psub.Unsubscribe()

	leave, err := agent.EnterConversation(ctx, "7", PresenceData{UserID: ana.ID, Name: ana.Name, Type: ParticipantAgent})
	if err != nil {
		t.Fatalf("EnterConversation: %v", err)
	}
	defer leave()

	res, err := agent.Send(ctx, "7", "over the wire", ana)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusSent || res.Simulated {
		t.Fatalf("unexpected result: %+v", res)
	}

	waitFor(t, 2*time.Second, "message delivered", func() bool {
		texts := got.texts()
		return len(texts) == 1 && texts[0] == "over the wire"
	})
	waitFor(t, 2*time.Second, "agent present", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(present) == 1 && present[0].ParticipantID == ana.ID
	})
}

func TestClient_WebSocketRejectedToken(t *testing.T) {
	_, srv := newTestGateway(t, "good")
	c, err := NewClient(Config{
		Transport:            TransportWebSocket,
		URL:                  srv.URL,
		Token:                "bad",
		ConnectTimeout:       time.Second,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	err = c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Reason != FailureAuth {
		t.Fatalf("expected an auth ConnectionError, got %v", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized in the chain, got %v", err)
	}
}
