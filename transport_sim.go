package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSimulatedOutage is returned by the simulator while it is set unavailable.
var ErrSimulatedOutage = errors.New("simulated backend unavailable")

// SimulatedBroker is an in-process stand-in for the realtime backend. Every
// link dialed through transports sharing one broker sees the same channels
// and presence sets. It also exposes fault injection for demos and tests.
type SimulatedBroker struct {
	mu           sync.Mutex
	channels     map[string]*simChannel
	links        map[*simLink]struct{}
	dials        int
	failDials    int
	failErr      error
	unavailable  bool
	rejectSends  bool
	failSnapshot bool
	dialDelay    time.Duration
	validToken   string
}

type simChannel struct {
	links    map[*simLink]struct{}
	presence map[string]simPresence
}

type simPresence struct {
	data  PresenceData
	owner *simLink
}

// NewSimulatedBroker creates an empty broker.
func NewSimulatedBroker() *SimulatedBroker {
	return &SimulatedBroker{
		channels: make(map[string]*simChannel),
		links:    make(map[*simLink]struct{}),
	}
}

// Dials returns how many dial attempts reached the broker.
func (b *SimulatedBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailNextDials makes the next n dials fail with err.
func (b *SimulatedBroker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.failErr = err
}

// SetDialDelay delays every dial by d.
func (b *SimulatedBroker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// RequireToken makes dials with any other token fail with ErrUnauthorized.
func (b *SimulatedBroker) RequireToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validToken = token
}

// SetAvailable toggles an outage. Going unavailable drops every live link.
func (b *SimulatedBroker) SetAvailable(available bool) {
	b.mu.Lock()
	b.unavailable = !available
	b.mu.Unlock()
	if !available {
		b.DropLinks()
	}
}

// RejectPublishes makes every publish fail while set.
func (b *SimulatedBroker) RejectPublishes(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectSends = reject
}

// FailPresenceSnapshots makes PresenceGet fail while set.
func (b *SimulatedBroker) FailPresenceSnapshots(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSnapshot = fail
}

// DropLinks severs every live link as if the network went away.
func (b *SimulatedBroker) DropLinks() {
	b.mu.Lock()
	links := make([]*simLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()
	for _, l := range links {
		l.finish(errors.New("simulated network drop"))
	}
}

// Members returns the broker-side presence set of channel.
func (b *SimulatedBroker) Members(channel string) []PresenceData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(channel)
}

func (b *SimulatedBroker) snapshotLocked(channel string) []PresenceData {
	ch := b.channels[channel]
	if ch == nil {
		return nil
	}
	out := make([]PresenceData, 0, len(ch.presence))
	for _, p := range ch.presence {
		out = append(out, p.data)
	}
	return out
}

func (b *SimulatedBroker) channelLocked(name string) *simChannel {
	ch := b.channels[name]
	if ch == nil {
		ch = &simChannel{
			links:    make(map[*simLink]struct{}),
			presence: make(map[string]simPresence),
		}
		b.channels[name] = ch
	}
	return ch
}

// broadcast queues ev on every link attached to channel. Called with b.mu held.
func (b *SimulatedBroker) broadcastLocked(channel string, ev Event) {
	ch := b.channels[channel]
	if ch == nil {
		return
	}
	for l := range ch.links {
		l.deliver(ev)
	}
}

// remove detaches a dead link and makes its presence entries leave.
func (b *SimulatedBroker) remove(l *simLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, l)
	for name, ch := range b.channels {
		delete(ch.links, l)
		for id, p := range ch.presence {
			if p.owner == l {
				delete(ch.presence, id)
				data := p.data
				b.broadcastLocked(name, Event{Kind: KindPresenceLeave, Channel: name, Presence: &data})
			}
		}
	}
}

// ============================================================================
// SimulatedTransport
// ============================================================================

// SimulatedTransport dials a SimulatedBroker.
type SimulatedTransport struct {
	broker *SimulatedBroker
}

// NewSimulatedTransport creates a transport bound to broker.
func NewSimulatedTransport(broker *SimulatedBroker) *SimulatedTransport {
	return &SimulatedTransport{broker: broker}
}

func (t *SimulatedTransport) Name() string    { return TransportSimulated }
func (t *SimulatedTransport) Simulated() bool { return true }

// Broker returns the broker the transport dials.
func (t *SimulatedTransport) Broker() *SimulatedBroker { return t.broker }

func (t *SimulatedTransport) Dial(ctx context.Context, token string, sink func(Event)) (Link, error) {
	b := t.broker
	b.mu.Lock()
	b.dials++
	delay := b.dialDelay
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		err := b.failErr
		if err == nil {
			err = ErrSimulatedOutage
		}
		return nil, fmt.Errorf("simulated dial: %w", err)
	}
	if b.unavailable {
		return nil, fmt.Errorf("simulated dial: %w", ErrSimulatedOutage)
	}
	if b.validToken != "" && token != b.validToken {
		return nil, fmt.Errorf("simulated dial: %w", ErrUnauthorized)
	}

	l := &simLink{
		broker: b,
		sink:   sink,
		inbox:  newMailbox(),
		done:   make(chan struct{}),
	}
	b.links[l] = struct{}{}
	return l, nil
}

// ============================================================================
// simLink
// ============================================================================

type simLink struct {
	broker *SimulatedBroker
	sink   func(Event)
	inbox  *mailbox

	mu       sync.Mutex
	err      error
	finished bool
	done     chan struct{}
}

func (l *simLink) Done() <-chan struct{} { return l.done }

func (l *simLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *simLink) Close() error {
	l.finish(nil)
	return nil
}

func (l *simLink) finish(err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.err = err
	l.mu.Unlock()

	l.broker.remove(l)
	l.inbox.close()
	close(l.done)
}

func (l *simLink) alive() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return ErrNotConnected
	}
	return nil
}

func (l *simLink) deliver(ev Event) {
	l.inbox.push(func() { l.sink(ev) })
}

func (l *simLink) Attach(ctx context.Context, channel string) error {
	if err := l.alive(); err != nil {
		return err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelLocked(channel).links[l] = struct{}{}
	return nil
}

func (l *simLink) Detach(ctx context.Context, channel string) error {
	if err := l.alive(); err != nil {
		return err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch := b.channels[channel]; ch != nil {
		delete(ch.links, l)
	}
	return nil
}

func (l *simLink) Publish(ctx context.Context, channel string, msg Message) error {
	if err := l.alive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectSends {
		return errors.New("simulated publish rejected")
	}
	m := msg
	m.Status = ""
	b.broadcastLocked(channel, Event{Kind: KindMessage, Channel: channel, Message: &m})
	return nil
}

func (l *simLink) PresenceEnter(ctx context.Context, channel string, data PresenceData) error {
	return l.presenceWrite(channel, KindPresenceEnter, data)
}

func (l *simLink) PresenceUpdate(ctx context.Context, channel string, data PresenceData) error {
	return l.presenceWrite(channel, KindPresenceUpdate, data)
}

func (l *simLink) presenceWrite(channel string, kind EventKind, data PresenceData) error {
	if err := l.alive(); err != nil {
		return err
	}
	if data.UserID == "" {
		return errors.New("presence: userId is required")
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channelLocked(channel)
	ch.presence[data.UserID] = simPresence{data: data, owner: l}
	b.broadcastLocked(channel, Event{Kind: kind, Channel: channel, Presence: &data})
	return nil
}

func (l *simLink) PresenceLeave(ctx context.Context, channel string, participantID string) error {
	if err := l.alive(); err != nil {
		return err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channels[channel]
	if ch == nil {
		return nil
	}
	p, ok := ch.presence[participantID]
	if !ok {
		return nil
	}
	delete(ch.presence, participantID)
	data := p.data
	b.broadcastLocked(channel, Event{Kind: KindPresenceLeave, Channel: channel, Presence: &data})
	return nil
}

func (l *simLink) PresenceGet(ctx context.Context, channel string) ([]PresenceData, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSnapshot {
		return nil, errors.New("simulated presence snapshot failure")
	}
	return b.snapshotLocked(channel), nil
}
