package inbox

import (
	"log/slog"
	"sort"
	"sync"
)

// ============================================================================
// Event Registry
// ============================================================================

// Topic is the structured key listeners register under. Channel is empty for
// process-wide events such as connection state changes.
type Topic struct {
	Kind    EventKind
	Channel string
}

// Handler receives an event payload. The payload type is fixed per Kind.
type Handler func(payload any)

// Subscription is the handle returned by every subscribe-style call.
// Unsubscribe is idempotent and safe to call after the registry was cleared.
type Subscription struct {
	reg     *EventRegistry
	topic   Topic
	id      uint64
	handler Handler

	mu      sync.Mutex
	onClose []func()
	once    sync.Once
	done    chan struct{}
}

// Topic returns the key the subscription is registered under.
func (s *Subscription) Topic() Topic { return s.topic }

// Done is closed once the subscription has been cancelled by either
// Unsubscribe or a registry-wide clear.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// OnClose adds a hook run exactly once when the subscription ends. If the
// subscription already ended the hook runs immediately.
func (s *Subscription) OnClose(fn func()) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Unsubscribe removes the handler and runs the close hooks. It returns
// right away when the subscription has already ended, including from inside
// one of its own close hooks.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.reg.remove(s)
	if subscriptionDone(s) {
		return
	}
	s.finish()
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

// EventRegistry is the subscribe/unsubscribe bookkeeping shared by the
// connection, channels, presence, typing and the facade. Clearing a channel
// or the whole registry is how a conversation or a session is torn down.
type EventRegistry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Topic]map[uint64]*Subscription
	logger   *slog.Logger
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry(logger *slog.Logger) *EventRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRegistry{
		handlers: make(map[Topic]map[uint64]*Subscription),
		logger:   logger,
	}
}

// Register adds a handler for topic.
func (r *EventRegistry) Register(topic Topic, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		reg:     r,
		topic:   topic,
		id:      r.nextID,
		handler: h,
		done:    make(chan struct{}),
	}
	subs := r.handlers[topic]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		r.handlers[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Unregister removes sub from topic. Unknown subscriptions are ignored.
func (r *EventRegistry) Unregister(topic Topic, sub *Subscription) {
	if sub == nil || sub.topic != topic {
		return
	}
	sub.Unsubscribe()
}

func (r *EventRegistry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[sub.topic]
	if subs == nil {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(r.handlers, sub.topic)
	}
}

// Clear drops every handler registered for topic.
func (r *EventRegistry) Clear(topic Topic) {
	r.mu.Lock()
	subs := r.handlers[topic]
	delete(r.handlers, topic)
	r.mu.Unlock()
	finishAll(subs)
}

// ClearChannel drops every handler of every kind registered for channel.
func (r *EventRegistry) ClearChannel(channel string) {
	var dropped []map[uint64]*Subscription
	r.mu.Lock()
	for topic, subs := range r.handlers {
		if topic.Channel == channel {
			dropped = append(dropped, subs)
			delete(r.handlers, topic)
		}
	}
	r.mu.Unlock()
	for _, subs := range dropped {
		finishAll(subs)
	}
}

// ClearAll drops every handler.
func (r *EventRegistry) ClearAll() {
	r.mu.Lock()
	all := r.handlers
	r.handlers = make(map[Topic]map[uint64]*Subscription)
	r.mu.Unlock()
	for _, subs := range all {
		finishAll(subs)
	}
}

// Len returns the number of handlers registered for topic.
func (r *EventRegistry) Len(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[topic])
}

// Emit calls every handler of topic in registration order on the caller's
// goroutine. A panicking handler is logged and does not stop the others.
func (r *EventRegistry) Emit(topic Topic, payload any) {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.handlers[topic]))
	for _, s := range r.handlers[topic] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		r.call(s, payload)
	}
}

func (r *EventRegistry) call(s *Subscription, payload any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				"kind", s.topic.Kind, "channel", s.topic.Channel, "panic", p)
		}
	}()
	s.handler(payload)
}

func subscriptionDone(s *Subscription) bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func finishAll(subs map[uint64]*Subscription) {
	for _, s := range subs {
		s.finish()
	}
}

// On registers a typed handler. Payloads of another type are ignored.
func On[T any](r *EventRegistry, topic Topic, fn func(T)) *Subscription {
	return r.Register(topic, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// Emit publishes a typed payload.
func Emit[T any](r *EventRegistry, topic Topic, v T) {
	r.Emit(topic, v)
}
