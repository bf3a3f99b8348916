package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// queueStorageKey is where the queue is mirrored in LocalStorage.
	queueStorageKey = "queuedMessages"

	// queueWriteTimeout bounds storage writes that must not inherit the
	// caller's cancellation.
	queueWriteTimeout = 5 * time.Second
)

// ============================================================================
// Types
// ============================================================================

// QueuedMessage is an outgoing message waiting for delivery.
type QueuedMessage struct {
	Message
	ConversationID    string    `json:"conversationId"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"lastError,omitempty"`
	QueuedAt          time.Time `json:"queuedAt"`
	Seq               uint64    `json:"seq"`
	PermanentlyFailed bool      `json:"permanentlyFailed,omitempty"`
}

// DrainResult lists what one drain pass delivered and what failed. Failed
// items stay queued unless marked PermanentlyFailed.
type DrainResult struct {
	Sent   []QueuedMessage
	Failed []QueuedMessage
}

// SendFunc delivers one queued message.
type SendFunc func(ctx context.Context, msg QueuedMessage) error

// OfflineOptions configures the OfflineQueue.
type OfflineOptions struct {
	MaxRetries    int
	FlushInterval time.Duration
}

var statusTopic = Topic{Kind: KindMessageStatus}

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue buffers outgoing messages and mirrors them to LocalStorage
// after every change. Each item ends up delivered, permanently failed, or
// still queued.
type OfflineQueue struct {
	storage       LocalStorage
	events        *EventRegistry
	logger        *slog.Logger
	metrics       *Metrics
	maxRetries    int
	flushInterval time.Duration
	now           func() time.Time

	mu     sync.Mutex
	items  []QueuedMessage
	loaded bool
	seq    uint64
	// draining is closed when the running drain pass ends; nil when idle.
	draining chan struct{}
}

// NewOfflineQueue creates a queue on storage. The persisted state is read on
// first use.
func NewOfflineQueue(storage LocalStorage, events *EventRegistry, logger *slog.Logger, metrics *Metrics, opts *OfflineOptions) *OfflineQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &OfflineQueue{
		storage: storage,
		events:  events,
		logger:  logger.With("component", "offline_queue"),
		metrics: metrics,
		now:     time.Now,
	}
	if opts != nil {
		q.maxRetries = opts.MaxRetries
		q.flushInterval = opts.FlushInterval
	}
	// Defaults
	if q.maxRetries == 0 {
		q.maxRetries = 5
	}
	if q.flushInterval == 0 {
		q.flushInterval = 30 * time.Second
	}
	return q
}

// OnStatus registers fn for definitive outcomes of queued messages. fn runs
// inside the drain pass and must not start another drain.
func (q *OfflineQueue) OnStatus(fn func(StatusUpdate)) *Subscription {
	return On[StatusUpdate](q.events, statusTopic, fn)
}

func (q *OfflineQueue) emit(u StatusUpdate) {
	if q.events != nil {
		Emit(q.events, statusTopic, u)
	}
}

// ── Persistence ──────────────────────────────────────────

func (q *OfflineQueue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	data, ok, err := q.storage.Get(ctx, queueStorageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	var items []QueuedMessage
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode queue: %w", err)
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	for i := range items {
		it := &items[i]
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
		// A crash mid-send leaves "sending" behind.
		if it.Status == "" || it.Status == StatusSending {
			it.Status = StatusQueued
		}
		if it.QueuedAt.IsZero() {
			it.QueuedAt = it.Timestamp
		}
	}
	for i := range items {
		if items[i].Seq == 0 {
			q.seq++
			items[i].Seq = q.seq
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	q.items = items
	q.loaded = true
	q.metrics.setQueueDepth(len(items))
	if n := len(items); n > 0 {
		q.logger.Info("restored queued messages", "count", n)
	}
	return nil
}

func (q *OfflineQueue) persistLocked(ctx context.Context) error {
	items := q.items
	if items == nil {
		items = []QueuedMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.storage.Set(ctx, queueStorageKey, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	q.metrics.setQueueDepth(len(q.items))
	return nil
}

func (q *OfflineQueue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Mutations ────────────────────────────────────────────

// Enqueue adds msg for conversationID. Enqueueing an id that is already
// queued returns the existing item.
func (q *OfflineQueue) Enqueue(ctx context.Context, conversationID string, msg Message) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return QueuedMessage{}, err
	}
	if i := q.indexLocked(msg.ID); i >= 0 {
		return q.items[i], nil
	}

	q.seq++
	item := QueuedMessage{
		Message:        msg,
		ConversationID: conversationID,
		QueuedAt:       q.now().UTC(),
		Seq:            q.seq,
	}
	item.Status = StatusQueued
	q.items = append(q.items, item)
	if err := q.persistLocked(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return QueuedMessage{}, err
	}
	return item, nil
}

// Remove discards a queued message.
func (q *OfflineQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	i := q.indexLocked(id)
	if i < 0 {
		return ErrQueueItemNotFound
	}
	prev := q.items
	q.items = append(q.items[:i:i], q.items[i+1:]...)
	if err := q.persistLocked(ctx); err != nil {
		q.items = prev
		return err
	}
	return nil
}

// Retry makes a failed message eligible again with a fresh retry budget.
func (q *OfflineQueue) Retry(ctx context.Context, id string) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return QueuedMessage{}, err
	}
	i := q.indexLocked(id)
	if i < 0 {
		return QueuedMessage{}, ErrQueueItemNotFound
	}
	prev := q.items[i]
	it := &q.items[i]
	it.Attempts = 0
	it.PermanentlyFailed = false
	it.LastError = ""
	it.Status = StatusQueued
	if err := q.persistLocked(ctx); err != nil {
		q.items[i] = prev
		return QueuedMessage{}, err
	}
	return *it, nil
}

// ── Queries ──────────────────────────────────────────────

// List returns every queued message in queue order.
func (q *OfflineQueue) List(ctx context.Context) ([]QueuedMessage, error) {
	return q.filter(ctx, func(QueuedMessage) bool { return true })
}

// ListFor returns the queued messages of one conversation in queue order.
func (q *OfflineQueue) ListFor(ctx context.Context, conversationID string) ([]QueuedMessage, error) {
	return q.filter(ctx, func(m QueuedMessage) bool { return m.ConversationID == conversationID })
}

// Len returns the number of queued messages.
func (q *OfflineQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return 0, err
	}
	return len(q.items), nil
}

func (q *OfflineQueue) filter(ctx context.Context, keep func(QueuedMessage) bool) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return nil, err
	}
	out := []QueuedMessage{}
	for _, it := range q.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// ── Drain ────────────────────────────────────────────────

// Drain tries to deliver every eligible message with send. Messages of one
// conversation go out in queue order and the first failure holds back the
// rest of that conversation until the next pass. Passes never overlap: a
// drain that starts while another is running waits for it, then makes its
// own pass over what is left.
func (q *OfflineQueue) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	var res DrainResult

	q.mu.Lock()
	for q.draining != nil {
		running := q.draining
		q.mu.Unlock()
		select {
		case <-running:
		case <-ctx.Done():
			return res, ctx.Err()
		}
		q.mu.Lock()
	}
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		return res, err
	}
	pending := make([]QueuedMessage, 0, len(q.items))
	for _, it := range q.items {
		if !it.PermanentlyFailed {
			pending = append(pending, it)
		}
	}
	done := make(chan struct{})
	q.draining = done
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = nil
		q.mu.Unlock()
		close(done)
	}()

	// Outcomes are recorded even when ctx ends during a send.
	store, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueWriteTimeout)
	defer cancel()

	blocked := make(map[string]bool)
	for _, item := range pending {
		if blocked[item.ConversationID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		item, ok, err := q.markSending(ctx, item.ID)
		if err != nil {
			return res, err
		}
		if !ok {
			// Removed while we were draining.
			continue
		}

		sendErr := send(ctx, item)
		if sendErr == nil {
			if err := q.markSent(store, item.ID); err != nil {
				return res, err
			}
			item.Status = StatusSent
			res.Sent = append(res.Sent, item)
			q.metrics.drained(true)
			q.emit(StatusUpdate{ConversationID: item.ConversationID, MessageID: item.ID, Status: StatusSent})
			continue
		}

		blocked[item.ConversationID] = true
		failed, ok, err := q.markFailed(store, item.ID, sendErr)
		if err != nil {
			return res, err
		}
		if !ok {
			// Discarded while its send was in flight.
			continue
		}
		res.Failed = append(res.Failed, failed)
		q.metrics.drained(false)

		if failed.PermanentlyFailed {
			q.logger.Warn("queued message permanently failed",
				"id", failed.ID, "conversation", failed.ConversationID, "attempts", failed.Attempts, "error", sendErr)
			q.emit(StatusUpdate{
				ConversationID: failed.ConversationID,
				MessageID:      failed.ID,
				Status:         StatusFailed,
				Err:            &PermanentSendFailure{Message: failed, Err: sendErr},
			})
		} else {
			q.logger.Info("queued message send failed, will retry",
				"id", failed.ID, "attempts", failed.Attempts, "error", sendErr)
		}
	}
	return res, nil
}

func (q *OfflineQueue) markSending(ctx context.Context, id string) (QueuedMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 || q.items[i].PermanentlyFailed {
		return QueuedMessage{}, false, nil
	}
	q.items[i].Status = StatusSending
	if err := q.persistLocked(ctx); err != nil {
		return QueuedMessage{}, false, err
	}
	return q.items[i], true, nil
}

func (q *OfflineQueue) markSent(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return nil
	}
	q.items = append(q.items[:i:i], q.items[i+1:]...)
	return q.persistLocked(ctx)
}

func (q *OfflineQueue) markFailed(ctx context.Context, id string, sendErr error) (QueuedMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return QueuedMessage{}, false, nil
	}
	it := &q.items[i]
	it.Attempts++
	it.LastError = sendErr.Error()
	it.Status = StatusFailed
	if it.Attempts >= q.maxRetries {
		it.PermanentlyFailed = true
	}
	if err := q.persistLocked(ctx); err != nil {
		return QueuedMessage{}, false, err
	}
	return *it, true, nil
}

// Run drains on every flush interval until ctx is done. Ticks where online
// reports false are skipped so that an outage does not burn retries.
func (q *OfflineQueue) Run(ctx context.Context, online func() bool, send SendFunc) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if online != nil && !online() {
				continue
			}
			if _, err := q.Drain(ctx, send); err != nil && ctx.Err() == nil {
				q.logger.Warn("scheduled drain failed", "error", err)
			}
		}
	}
}
