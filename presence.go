package inbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// PresenceTracker
// ============================================================================

// presenceRoom is the tracker's state for one channel.
type presenceRoom struct {
	members map[string]PresenceMember
	// touched collects ids changed by incremental events while a snapshot is
	// in flight; nil otherwise.
	touched map[string]struct{}
	seeded  bool
	ready   chan struct{}
	subs    []*Subscription
	// holders counts Track and Subscribe callers. Subscribers give their
	// hold back on unsubscribe; the room is dropped with the last hold since
	// the channel may be detached by then. Untrack drops it regardless.
	holders int
}

// PresenceTracker keeps the converged participant set of every channel it
// tracks. Enter and update upsert by participant id with the latest write
// winning; leave removes the id. Subscribers always receive the whole list.
type PresenceTracker struct {
	channels *ChannelRegistry
	conn     *ConnectionManager
	events   *EventRegistry
	logger   *slog.Logger
	now      func() time.Time
	watch    *stateWatch

	mu     sync.Mutex
	rooms  map[string]*presenceRoom
	selves map[string]map[string]PresenceData

	emitMu sync.Mutex
}

// NewPresenceTracker creates a tracker over the channels of reg.
func NewPresenceTracker(reg *ChannelRegistry, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &PresenceTracker{
		channels: reg,
		conn:     reg.conn,
		events:   reg.events,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		rooms:    make(map[string]*presenceRoom),
		selves:   make(map[string]map[string]PresenceData),
	}
	t.watch = newStateWatch(reg.conn, t.onState, func() {
		t.mu.Lock()
		t.selves = make(map[string]map[string]PresenceData)
		t.mu.Unlock()
	})
	return t
}

// Members returns the current participants of channel sorted by id. It is
// empty until the channel is tracked.
func (t *PresenceTracker) Members(channel string) []PresenceMember {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[NormalizeChannelName(channel)]
	if room == nil {
		return []PresenceMember{}
	}
	return room.list()
}

// Seeded reports whether the channel's presence snapshot has been loaded.
func (t *PresenceTracker) Seeded(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[NormalizeChannelName(channel)]
	return room != nil && room.seeded
}

func (r *presenceRoom) list() []PresenceMember {
	out := make([]PresenceMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Subscribe starts tracking ch if needed and registers onChange for every
// change of its participant list. onChange is called once right away with
// the current list.
//
// The caller keeps ch acquired for as long as the subscription.
func (t *PresenceTracker) Subscribe(ctx context.Context, ch *Channel, onChange func([]PresenceMember)) (*Subscription, error) {
	room, err := t.track(ctx, ch)
	if err != nil {
		return nil, err
	}
	sub := On[[]PresenceMember](t.events, Topic{Kind: KindPresenceChanged, Channel: ch.Name()}, onChange)
	sub.OnClose(func() { t.release(ch.Name(), room) })
	onChange(t.Members(ch.Name()))
	return sub, nil
}

// Enter announces self on ch. The participant is re-entered automatically
// after a reconnect until Leave.
func (t *PresenceTracker) Enter(ctx context.Context, ch *Channel, self PresenceData) error {
	self = t.stamp(self)
	t.remember(ch.Name(), self)
	return ch.EnterPresence(ctx, self)
}

// Update replaces self's presence data on ch. Location changes travel the
// same way.
func (t *PresenceTracker) Update(ctx context.Context, ch *Channel, self PresenceData) error {
	self = t.stamp(self)
	t.remember(ch.Name(), self)
	return ch.UpdatePresence(ctx, self)
}

// UpdateSelf applies fn to the last data entered for participantID on ch and
// publishes the result.
func (t *PresenceTracker) UpdateSelf(ctx context.Context, ch *Channel, participantID string, fn func(*PresenceData)) error {
	t.mu.Lock()
	data, ok := t.selves[ch.Name()][participantID]
	t.mu.Unlock()
	if !ok {
		data = PresenceData{UserID: participantID}
	}
	fn(&data)
	return t.Update(ctx, ch, data)
}

// Leave removes participantID from ch.
func (t *PresenceTracker) Leave(ctx context.Context, ch *Channel, participantID string) error {
	t.mu.Lock()
	if selves := t.selves[ch.Name()]; selves != nil {
		delete(selves, participantID)
		if len(selves) == 0 {
			delete(t.selves, ch.Name())
		}
	}
	t.mu.Unlock()
	return ch.LeavePresence(ctx, participantID)
}

func (t *PresenceTracker) stamp(d PresenceData) PresenceData {
	now := t.now().UTC()
	d.LastActive = &now
	return d
}

func (t *PresenceTracker) remember(channel string, self PresenceData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	selves := t.selves[channel]
	if selves == nil {
		selves = make(map[string]PresenceData)
		t.selves[channel] = selves
	}
	selves[self.UserID] = self
}

// Track registers the incremental handlers for ch and then seeds from the
// snapshot. Concurrent callers wait for the first one. Members is served
// from then on, until Untrack.
func (t *PresenceTracker) Track(ctx context.Context, ch *Channel) error {
	_, err := t.track(ctx, ch)
	return err
}

func (t *PresenceTracker) track(ctx context.Context, ch *Channel) (*presenceRoom, error) {
	t.watch.ensure()
	name := ch.Name()

	t.mu.Lock()
	room := t.rooms[name]
	if room != nil {
		room.holders++
		t.mu.Unlock()
		select {
		case <-room.ready:
			return room, nil
		case <-ctx.Done():
			t.release(name, room)
			return nil, ctx.Err()
		}
	}
	room = &presenceRoom{
		members: make(map[string]PresenceMember),
		touched: make(map[string]struct{}),
		ready:   make(chan struct{}),
		holders: 1,
	}
	t.rooms[name] = room
	t.mu.Unlock()

	for _, kind := range []EventKind{KindPresenceEnter, KindPresenceUpdate, KindPresenceLeave} {
		sub := ch.OnPresence(kind, func(d PresenceData) { t.apply(name, kind, d) })
		sub.OnClose(func() { t.drop(name, room) })
		room.subs = append(room.subs, sub)
	}

	t.seed(ctx, ch, room)
	close(room.ready)
	return room, nil
}

// release drops one holder of room and the room with the last one.
func (t *PresenceTracker) release(name string, room *presenceRoom) {
	t.mu.Lock()
	if t.rooms[name] != room {
		t.mu.Unlock()
		return
	}
	room.holders--
	last := room.holders <= 0
	t.mu.Unlock()
	if last {
		t.drop(name, room)
	}
}

// drop forgets a room once its handlers were cleared.
func (t *PresenceTracker) drop(name string, room *presenceRoom) {
	t.mu.Lock()
	if t.rooms[name] != room {
		t.mu.Unlock()
		return
	}
	delete(t.rooms, name)
	t.mu.Unlock()
	for _, sub := range room.subs {
		if !subscriptionDone(sub) {
			sub.Unsubscribe()
		}
	}
}

// Untrack stops tracking channel and forgets its participants.
func (t *PresenceTracker) Untrack(channel string) {
	name := NormalizeChannelName(channel)
	t.mu.Lock()
	room := t.rooms[name]
	delete(t.selves, name)
	t.mu.Unlock()
	if room != nil {
		t.drop(name, room)
	}
}

// seed loads the snapshot. Ids touched by incremental events while the
// snapshot was in flight keep their newer value. A failed snapshot leaves
// the room running on incremental events alone.
func (t *PresenceTracker) seed(ctx context.Context, ch *Channel, room *presenceRoom) {
	t.mu.Lock()
	if room.touched == nil {
		room.touched = make(map[string]struct{})
	}
	t.mu.Unlock()

	snapshot, err := ch.GetPresence(ctx)

	t.mu.Lock()
	if err != nil {
		room.touched = nil
		t.mu.Unlock()
		t.logger.Warn("presence snapshot failed, tracking incremental events only",
			"channel", ch.Name(), "error", err)
		return
	}
	now := t.now()
	fresh := make(map[string]PresenceMember, len(snapshot))
	for _, d := range snapshot {
		if d.UserID == "" {
			continue
		}
		fresh[d.UserID] = memberFromData(d, now)
	}
	for id := range room.touched {
		if m, ok := room.members[id]; ok {
			fresh[id] = m
		} else {
			delete(fresh, id)
		}
	}
	room.members = fresh
	room.touched = nil
	room.seeded = true
	t.mu.Unlock()

	t.publish(ch.Name())
}

func (t *PresenceTracker) apply(name string, kind EventKind, d PresenceData) {
	if d.UserID == "" {
		return
	}
	t.mu.Lock()
	room := t.rooms[name]
	if room == nil {
		t.mu.Unlock()
		return
	}
	switch kind {
	case KindPresenceEnter, KindPresenceUpdate:
		room.members[d.UserID] = memberFromData(d, t.now())
	case KindPresenceLeave:
		delete(room.members, d.UserID)
	}
	if room.touched != nil {
		room.touched[d.UserID] = struct{}{}
	}
	t.mu.Unlock()

	t.publish(name)
}

// publish emits the current list. Lists are read under emitMu so that the
// last emission always carries the latest state.
func (t *PresenceTracker) publish(name string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	Emit(t.events, Topic{Kind: KindPresenceChanged, Channel: name}, t.Members(name))
}

// ── Reconnect ─────────────────────────────────────────────

// onState re-enters local participants and re-seeds tracked rooms after a
// reconnect. The backend dropped both while the link was down.
func (t *PresenceTracker) onState(change StateChange) {
	if change.To != StateConnected || !change.Resumed {
		return
	}
	go t.resync()
}

func (t *PresenceTracker) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()

	t.mu.Lock()
	selves := make(map[string][]PresenceData, len(t.selves))
	for name, byID := range t.selves {
		for _, d := range byID {
			selves[name] = append(selves[name], d)
		}
	}
	rooms := make(map[string]*presenceRoom, len(t.rooms))
	for name, room := range t.rooms {
		rooms[name] = room
	}
	t.mu.Unlock()

	link, err := t.conn.Link()
	if err != nil {
		return
	}
	for name, list := range selves {
		for _, d := range list {
			if err := link.PresenceEnter(ctx, name, t.stamp(d)); err != nil {
				t.logger.Warn("presence re-enter failed", "channel", name, "participant", d.UserID, "error", err)
			}
		}
	}
	for name, room := range rooms {
		t.seed(ctx, &Channel{name: name, reg: t.channels}, room)
	}
}
