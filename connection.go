package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConnectionState is the lifecycle state of the realtime connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateSuspended    ConnectionState = "suspended"
	StateFailed       ConnectionState = "failed"
)

// StateChange is emitted on every transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	// Err is set when entering suspended or failed.
	Err error
	// Resumed is set when a connection lost earlier in the session is back.
	Resumed bool
}

var stateTopic = Topic{Kind: KindStateChange}

// ============================================================================
// Reconnect policy
// ============================================================================

// reconnector bounds the number of dials in one attempt and spaces them with
// capped exponential backoff.
type reconnector struct {
	policy      *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return &reconnector{policy: b, maxAttempts: cfg.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	d := r.policy.NextBackOff()
	if d > r.policy.MaxInterval {
		d = r.policy.MaxInterval
	}
	return d
}

// ============================================================================
// ConnectionManager
// ============================================================================

// connectAttempt is the memoized result of one connection attempt. Every
// caller arriving while it runs waits on the same done channel.
type connectAttempt struct {
	done chan struct{}
	link Link
	err  error
}

// ConnectionManager owns the single realtime link of a client, its state
// machine, token refresh, and reconnection.
type ConnectionManager struct {
	transport Transport
	tokens    TokenSource
	events    *EventRegistry
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config
	notify    *mailbox

	mu       sync.Mutex
	state    ConnectionState
	resuming bool
	link     Link
	attempt  *connectAttempt
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewConnectionManager creates a manager in the disconnected state. Nothing
// is dialed until Initialize is called.
func NewConnectionManager(cfg Config, transport Transport, tokens TokenSource, events *EventRegistry, logger *slog.Logger, metrics *Metrics) *ConnectionManager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewEventRegistry(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		transport: transport,
		tokens:    tokens,
		events:    events,
		logger:    logger.With("component", "connection", "transport", transport.Name()),
		metrics:   metrics,
		cfg:       cfg,
		notify:    newMailbox(),
		state:     StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
	metrics.setState(StateDisconnected)
	return m
}

// Events returns the registry shared by everything built on this manager.
func (m *ConnectionManager) Events() *EventRegistry { return m.events }

// State returns the current state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Simulated reports whether the transport is the local simulator.
func (m *ConnectionManager) Simulated() bool {
	s, ok := m.transport.(Simulator)
	return ok && s.Simulated()
}

// Link returns the live link, or ErrNotConnected.
func (m *ConnectionManager) Link() (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.link == nil {
		return nil, ErrNotConnected
	}
	return m.link, nil
}

// OnStateChange registers fn for every state transition. Handlers run on a
// dedicated goroutine in transition order.
func (m *ConnectionManager) OnStateChange(fn func(StateChange)) *Subscription {
	return On[StateChange](m.events, stateTopic, fn)
}

// Initialize returns the live link, starting or joining the in-flight
// connection attempt when there is none. It gives up after ConnectTimeout
// with a ConnectionError; the attempt itself keeps running so a later call
// can still join it.
func (m *ConnectionManager) Initialize(ctx context.Context) (Link, error) {
	m.mu.Lock()
	if m.state == StateConnected && m.link != nil {
		link := m.link
		m.mu.Unlock()
		return link, nil
	}
	a := m.attempt
	if a == nil {
		a = m.startLocked()
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.link, a.err
	case <-timer.C:
		return nil, &ConnectionError{Reason: FailureTimeout, Err: ErrConnectTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup closes the link, abandons any attempt and releases every listener
// registered on the shared registry. It is safe to call repeatedly, and the
// manager can be initialized again afterwards.
func (m *ConnectionManager) Cleanup() {
	m.mu.Lock()
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	link := m.link
	m.link = nil
	m.attempt = nil
	from := m.state
	m.state = StateDisconnected
	m.resuming = false
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	m.metrics.setState(StateDisconnected)
	if from != StateDisconnected {
		m.logger.Info("realtime connection closed")
		Emit(m.events, stateTopic, StateChange{From: from, To: StateDisconnected})
	}
	m.events.ClearAll()
}

// Close stops the manager for good.
func (m *ConnectionManager) Close() {
	m.Cleanup()
	m.notify.close()
}

func (m *ConnectionManager) startLocked() *connectAttempt {
	a := &connectAttempt{done: make(chan struct{})}
	m.attempt = a
	m.setStateLocked(StateConnecting, nil)
	go m.run(m.ctx, a)
	return a
}

// setStateLocked records a transition and queues its notification.
func (m *ConnectionManager) setStateLocked(to ConnectionState, err error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.setState(to)
	change := StateChange{From: from, To: to, Err: err}
	switch to {
	case StateSuspended:
		m.resuming = true
	case StateConnected:
		change.Resumed = m.resuming
		m.resuming = false
	}
	m.notify.push(func() { Emit(m.events, stateTopic, change) })
}

func (m *ConnectionManager) run(ctx context.Context, a *connectAttempt) {
	link, err := m.connect(ctx)

	m.mu.Lock()
	if m.attempt == a {
		m.attempt = nil
	}
	switch {
	case ctx.Err() != nil:
		// Cleanup ran while dialing.
		if link != nil {
			link.Close()
		}
		link, err = nil, &ConnectionError{Reason: FailureTransport, Err: ErrClosed}
	case err != nil:
		m.setStateLocked(StateFailed, err)
	default:
		m.link = link
		m.setStateLocked(StateConnected, nil)
		go m.watch(ctx, link)
	}
	a.link, a.err = link, err
	m.mu.Unlock()
	close(a.done)

	if err != nil {
		m.logger.Warn("realtime connection failed", "error", err)
	} else {
		m.logger.Info("realtime connected")
	}
}

// connect dials until it succeeds, the token source has nothing for us, or
// the attempt budget is spent. A token is fetched before every dial.
func (m *ConnectionManager) connect(ctx context.Context) (Link, error) {
	recon := newReconnector(&m.cfg)
	var lastErr error

	for {
		recon.attempt++
		m.metrics.connectAttempt()

		link, err := m.dial(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrNoToken) {
			return nil, &ConnectionError{Reason: FailureAuth, Attempts: recon.attempt, Err: err}
		}
		if errors.Is(err, ErrUnauthorized) {
			m.tokens.Invalidate()
		}
		lastErr = err

		if !recon.shouldReconnect() {
			break
		}
		delay := recon.nextDelay()
		m.logger.Warn("realtime dial failed, retrying",
			"attempt", recon.attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	reason := FailureTransport
	if errors.Is(lastErr, ErrUnauthorized) {
		reason = FailureAuth
	}
	return nil, &ConnectionError{Reason: reason, Attempts: recon.attempt, Err: lastErr}
}

func (m *ConnectionManager) dial(ctx context.Context) (Link, error) {
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	return m.transport.Dial(dialCtx, tok.Value, m.route)
}

// watch waits for link to die and starts a reconnect unless it was closed
// on purpose.
func (m *ConnectionManager) watch(ctx context.Context, link Link) {
	select {
	case <-ctx.Done():
		return
	case <-link.Done():
	}

	m.mu.Lock()
	if m.link != link || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.link = nil
	err := link.Err()
	m.setStateLocked(StateSuspended, err)
	if m.attempt == nil {
		m.startLocked()
	}
	m.mu.Unlock()

	m.logger.Warn("realtime link lost, reconnecting", "error", err)
}

// route hands link events to the registry, keyed by kind and channel.
func (m *ConnectionManager) route(ev Event) {
	topic := Topic{Kind: ev.Kind, Channel: ev.Channel}
	switch ev.Kind {
	case KindMessage:
		if ev.Message != nil {
			Emit(m.events, topic, *ev.Message)
		}
	case KindPresenceEnter, KindPresenceUpdate, KindPresenceLeave:
		if ev.Presence != nil {
			m.metrics.presenceEvent(ev.Kind)
			Emit(m.events, topic, *ev.Presence)
		}
	}
}

// ============================================================================
// stateWatch
// ============================================================================

// stateWatch keeps one state listener registered. Cleanup clears every
// listener, so owners call ensure before relying on it; reset runs when the
// listener is cleared.
type stateWatch struct {
	conn  *ConnectionManager
	fn    func(StateChange)
	reset func()

	mu  sync.Mutex
	sub *Subscription
}

func newStateWatch(conn *ConnectionManager, fn func(StateChange), reset func()) *stateWatch {
	return &stateWatch{conn: conn, fn: fn, reset: reset}
}

func (w *stateWatch) live() bool {
	return w.sub != nil && !subscriptionDone(w.sub)
}

func (w *stateWatch) ensure() {
	w.mu.Lock()
	live := w.live()
	w.mu.Unlock()
	if live {
		return
	}

	sub := w.conn.OnStateChange(w.fn)
	w.mu.Lock()
	if w.live() {
		w.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	w.sub = sub
	w.mu.Unlock()

	sub.OnClose(func() {
		w.mu.Lock()
		current := w.sub == sub
		if current {
			w.sub = nil
		}
		w.mu.Unlock()
		if current && w.reset != nil {
			w.reset()
		}
	})
}
