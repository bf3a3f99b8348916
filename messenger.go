package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendResult is what Send reports right away. A queued message is delivered
// later; watch OnMessageStatus for the outcome.
type SendResult struct {
	Message Message
	Status  MessageStatus
	// Simulated is set when the message went to the local simulator and
	// reached nobody.
	Simulated bool
	// Err is why the message was queued instead of sent.
	Err error
}

// entered is a conversation the local participant is present in.
type entered struct {
	ch   *Channel
	self PresenceData
}

// Messenger is the surface conversation UIs use: send, subscribe, and
// presence. Sending never fails just because the network is down; the
// message is queued instead.
type Messenger struct {
	conn     *ConnectionManager
	channels *ChannelRegistry
	presence *PresenceTracker
	typing   *TypingCoordinator
	queue    *OfflineQueue
	events   *EventRegistry
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	watch    *stateWatch

	mu      sync.Mutex
	entered map[string]*entered
}

// NewMessenger wires the facade over its collaborators.
func NewMessenger(conn *ConnectionManager, channels *ChannelRegistry, presence *PresenceTracker, typing *TypingCoordinator, queue *OfflineQueue, logger *slog.Logger, metrics *Metrics) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Messenger{
		conn:     conn,
		channels: channels,
		presence: presence,
		typing:   typing,
		queue:    queue,
		events:   conn.Events(),
		logger:   logger.With("component", "messenger"),
		metrics:  metrics,
		now:      time.Now,
		entered:  make(map[string]*entered),
	}
	m.watch = newStateWatch(conn, m.onState, func() {
		m.mu.Lock()
		m.entered = make(map[string]*entered)
		m.mu.Unlock()
	})
	return m
}

// ── Send ─────────────────────────────────────────────────

// Send publishes text to a conversation. When the connection is down or the
// publish fails the message is queued and the result says so; an error is
// returned only when the message could not even be queued.
func (m *Messenger) Send(ctx context.Context, conversationID, text string, sender Sender) (*SendResult, error) {
	return m.SendMessage(ctx, conversationID, Message{Text: text, Sender: sender})
}

// SendMessage is Send for a prepared message. Missing ids and timestamps are
// filled in.
func (m *Messenger) SendMessage(ctx context.Context, conversationID string, msg Message) (*SendResult, error) {
	m.watch.ensure()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	msg.Status = ""

	if _, err := m.conn.Link(); err != nil {
		return m.enqueue(ctx, conversationID, msg, err)
	}

	start := m.now()
	if err := m.publish(ctx, conversationID, msg); err != nil {
		return m.enqueue(ctx, conversationID, msg, err)
	}
	m.metrics.sent(StatusSent, time.Since(start))

	msg.Status = StatusSent
	return &SendResult{Message: msg, Status: StatusSent, Simulated: m.conn.Simulated()}, nil
}

func (m *Messenger) publish(ctx context.Context, conversationID string, msg Message) error {
	ch, err := m.channels.GetChannel(ctx, conversationID)
	if err != nil {
		return &SendError{MessageID: msg.ID, Channel: NormalizeChannelName(conversationID), Err: err}
	}
	defer m.channels.release(ch)

	m.typing.StopTyping(ctx, ch, msg.Sender.ID)
	return ch.Publish(ctx, msg)
}

// enqueue keeps msg even when ctx is what made the publish fail.
func (m *Messenger) enqueue(ctx context.Context, conversationID string, msg Message, cause error) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueWriteTimeout)
	defer cancel()
	queued, err := m.queue.Enqueue(ctx, conversationID, msg)
	if err != nil {
		return nil, fmt.Errorf("queue message %s: %w", msg.ID, errors.Join(err, cause))
	}
	m.metrics.sent(StatusQueued, 0)
	m.logger.Info("message queued", "id", msg.ID, "conversation", conversationID, "reason", cause)
	return &SendResult{
		Message:   queued.Message,
		Status:    StatusQueued,
		Simulated: m.conn.Simulated(),
		Err:       cause,
	}, nil
}

// sendQueued is the queue's delivery function.
func (m *Messenger) sendQueued(ctx context.Context, item QueuedMessage) error {
	msg := item.Message
	msg.Status = ""
	return m.publish(ctx, item.ConversationID, msg)
}

// ── Offline queue ────────────────────────────────────────

// Drain connects if needed and delivers what is queued.
func (m *Messenger) Drain(ctx context.Context) (DrainResult, error) {
	m.watch.ensure()
	if _, err := m.conn.Initialize(ctx); err != nil {
		return DrainResult{}, err
	}
	return m.queue.Drain(ctx, m.sendQueued)
}

// Queued lists the messages waiting for a conversation.
func (m *Messenger) Queued(ctx context.Context, conversationID string) ([]QueuedMessage, error) {
	return m.queue.ListFor(ctx, conversationID)
}

// Discard drops a queued message for good.
func (m *Messenger) Discard(ctx context.Context, id string) error {
	return m.queue.Remove(ctx, id)
}

// Resend gives a failed message a fresh retry budget and drains when
// connected.
func (m *Messenger) Resend(ctx context.Context, id string) (QueuedMessage, error) {
	item, err := m.queue.Retry(ctx, id)
	if err != nil {
		return QueuedMessage{}, err
	}
	if m.conn.State() == StateConnected {
		if _, err := m.queue.Drain(ctx, m.sendQueued); err != nil {
			m.logger.Warn("drain after resend failed", "error", err)
		}
	}
	return item, nil
}

// OnMessageStatus registers fn for the definitive outcome of queued messages.
// fn must not call Drain or Resend.
func (m *Messenger) OnMessageStatus(fn func(StatusUpdate)) *Subscription {
	return m.queue.OnStatus(fn)
}

// onState drains the queue whenever the connection comes up.
func (m *Messenger) onState(change StateChange) {
	if change.To != StateConnected {
		return
	}
	go func() {
		res, err := m.queue.Drain(context.Background(), m.sendQueued)
		if err != nil {
			m.logger.Warn("drain on reconnect failed", "error", err)
			return
		}
		if len(res.Sent)+len(res.Failed) > 0 {
			m.logger.Info("queue drained on reconnect", "sent", len(res.Sent), "failed", len(res.Failed))
		}
	}()
}

func (m *Messenger) runQueue(ctx context.Context) {
	m.queue.Run(ctx, func() bool { return m.conn.State() == StateConnected }, m.sendQueued)
}

// ── Subscriptions ────────────────────────────────────────

// SubscribeMessages calls onMessage for each message on a conversation.
// Calls happen one at a time, in arrival order, on a goroutine owned by the
// subscription. Unsubscribe stops delivery and releases the channel.
func (m *Messenger) SubscribeMessages(ctx context.Context, conversationID string, onMessage func(Message)) (*Subscription, error) {
	m.watch.ensure()
	ch, err := m.channels.GetChannel(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	box := newMailbox()
	sub := ch.OnMessage(func(msg Message) {
		box.push(func() { onMessage(msg) })
	})
	sub.OnClose(func() {
		box.close()
		m.channels.release(ch)
	})
	return sub, nil
}

// OnPresenceChange calls fn with the participant list of a conversation
// whenever it changes.
func (m *Messenger) OnPresenceChange(ctx context.Context, conversationID string, fn func([]PresenceMember)) (*Subscription, error) {
	ch, err := m.channels.GetChannel(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub, err := m.presence.Subscribe(ctx, ch, fn)
	if err != nil {
		m.channels.release(ch)
		return nil, err
	}
	sub.OnClose(func() { m.channels.release(ch) })
	return sub, nil
}

// OnTypingChange calls fn with the names of the other participants typing
// in a conversation whenever that list changes.
func (m *Messenger) OnTypingChange(ctx context.Context, conversationID string, fn func([]string)) (*Subscription, error) {
	ch, err := m.channels.GetChannel(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub, err := m.typing.Subscribe(ctx, ch, m.selfID(ch.Name()), fn)
	if err != nil {
		m.channels.release(ch)
		return nil, err
	}
	sub.OnClose(func() { m.channels.release(ch) })
	return sub, nil
}

// ── Presence ─────────────────────────────────────────────

// EnterConversation announces self in a conversation and starts tracking
// its participants. The returned teardown leaves, drops every listener of
// the conversation and releases the channel. It is safe to call twice.
func (m *Messenger) EnterConversation(ctx context.Context, conversationID string, self PresenceData) (func(), error) {
	m.watch.ensure()
	if self.UserID == "" {
		return nil, errors.New("enter conversation: self.UserID is required")
	}
	ch, err := m.channels.GetChannel(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := m.presence.Track(ctx, ch); err != nil {
		m.channels.release(ch)
		return nil, err
	}
	if err := m.presence.Enter(ctx, ch, self); err != nil {
		m.logger.Warn("presence enter failed", "channel", ch.Name(), "error", err)
	}

	m.mu.Lock()
	m.entered[ch.Name()] = &entered{ch: ch, self: self}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.leave(ch, self.UserID) })
	}, nil
}

func (m *Messenger) leave(ch *Channel, selfID string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()

	m.mu.Lock()
	delete(m.entered, ch.Name())
	m.mu.Unlock()

	m.typing.Forget(ch.Name())
	if err := m.presence.Leave(ctx, ch, selfID); err != nil && !errors.Is(err, ErrNotConnected) {
		m.logger.Warn("presence leave failed", "channel", ch.Name(), "error", err)
	}
	m.presence.Untrack(ch.Name())
	m.events.ClearChannel(ch.Name())
	if err := m.channels.ReleaseChannel(ctx, ch.Name()); err != nil {
		m.logger.Warn("release failed", "channel", ch.Name(), "error", err)
	}
}

// NotifyTyping reports a local keystroke in a conversation entered with
// EnterConversation.
func (m *Messenger) NotifyTyping(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	e := m.entered[NormalizeChannelName(conversationID)]
	m.mu.Unlock()
	if e == nil {
		return fmt.Errorf("notify typing: not in conversation %s", conversationID)
	}
	return m.typing.NotifyTyping(ctx, e.ch, e.self.UserID, e.self.Name)
}

// ActiveParticipants returns who is present in a conversation.
func (m *Messenger) ActiveParticipants(conversationID string) []PresenceMember {
	return m.presence.Members(conversationID)
}

// TypingUsers returns the names of the other participants typing in a
// conversation.
func (m *Messenger) TypingUsers(conversationID string) []string {
	name := NormalizeChannelName(conversationID)
	return m.typing.TypingUsers(name, m.selfID(name))
}

func (m *Messenger) selfID(channel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entered[channel]; e != nil {
		return e.self.UserID
	}
	return ""
}
