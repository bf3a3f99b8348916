package inbox

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// TypingCoordinator publishes the local user's typing state and derives who
// else is typing from presence.
//
// "Started typing" is throttled to a fixed rate. "Stopped typing" is a single
// update sent once the keystrokes pause for the stop delay.
type TypingCoordinator struct {
	presence  *PresenceTracker
	logger    *slog.Logger
	metrics   *Metrics
	rate      float64
	stopDelay time.Duration

	mu     sync.Mutex
	locals map[typingKey]*localTyping
}

type typingKey struct {
	channel string
	selfID  string
}

type localTyping struct {
	throttle *Throttle
	stop     *Debouncer
}

// NewTypingCoordinator creates a coordinator. perSecond caps start signals;
// stopDelay is the pause after which the stop signal goes out.
func NewTypingCoordinator(presence *PresenceTracker, perSecond float64, stopDelay time.Duration, logger *slog.Logger, metrics *Metrics) *TypingCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingCoordinator{
		presence:  presence,
		logger:    logger.With("component", "typing"),
		metrics:   metrics,
		rate:      perSecond,
		stopDelay: stopDelay,
		locals:    make(map[typingKey]*localTyping),
	}
}

func (t *TypingCoordinator) local(channel, selfID string) *localTyping {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{channel: channel, selfID: selfID}
	lt := t.locals[key]
	if lt == nil {
		lt = &localTyping{
			throttle: NewThrottle(t.rate, 1),
			stop:     NewDebouncer(t.stopDelay),
		}
		t.locals[key] = lt
	}
	return lt
}

// NotifyTyping is called on every local keystroke.
func (t *TypingCoordinator) NotifyTyping(ctx context.Context, ch *Channel, selfID, selfName string) error {
	lt := t.local(ch.Name(), selfID)
	lt.stop.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
		defer cancel()
		if err := t.publish(ctx, ch, selfID, selfName, false); err != nil {
			t.logger.Warn("typing stop failed", "channel", ch.Name(), "error", err)
		}
	})
	if !lt.throttle.Allow() {
		return nil
	}
	return t.publish(ctx, ch, selfID, selfName, true)
}

// StopTyping sends the pending stop signal now, if there is one. The next
// keystroke after a stop announces typing again right away.
func (t *TypingCoordinator) StopTyping(ctx context.Context, ch *Channel, selfID string) {
	t.mu.Lock()
	lt := t.locals[typingKey{channel: ch.Name(), selfID: selfID}]
	t.mu.Unlock()
	if lt != nil && lt.stop.Flush() {
		lt.throttle.Reset()
	}
}

// Forget cancels pending signals for channel without sending them.
func (t *TypingCoordinator) Forget(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, lt := range t.locals {
		if key.channel == channel {
			lt.stop.Cancel()
			delete(t.locals, key)
		}
	}
}

func (t *TypingCoordinator) publish(ctx context.Context, ch *Channel, selfID, selfName string, typing bool) error {
	t.metrics.typingPublished(typing)
	return t.presence.UpdateSelf(ctx, ch, selfID, func(d *PresenceData) {
		if d.Name == "" {
			d.Name = selfName
		}
		d.IsTyping = typing
	})
}

// Subscribe calls onChange with the display names of everyone typing on ch
// except excludeID, whenever that list changes.
func (t *TypingCoordinator) Subscribe(ctx context.Context, ch *Channel, excludeID string, onChange func([]string)) (*Subscription, error) {
	var (
		mu   sync.Mutex
		last []string
		sent bool
	)
	return t.presence.Subscribe(ctx, ch, func(members []PresenceMember) {
		names := typingNames(members, excludeID)
		mu.Lock()
		defer mu.Unlock()
		if sent && slices.Equal(last, names) {
			return
		}
		last, sent = names, true
		onChange(names)
	})
}

// TypingUsers returns who is typing on channel right now.
func (t *TypingCoordinator) TypingUsers(channel, excludeID string) []string {
	return typingNames(t.presence.Members(channel), excludeID)
}

func typingNames(members []PresenceMember, excludeID string) []string {
	names := []string{}
	seen := make(map[string]bool)
	for _, m := range members {
		if !m.IsTyping || m.ParticipantID == excludeID {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ParticipantID
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
