package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, storage LocalStorage, maxRetries int) *OfflineQueue {
	t.Helper()
	return NewOfflineQueue(storage, NewEventRegistry(testLogger()), testLogger(), nil, &OfflineOptions{
		MaxRetries:    maxRetries,
		FlushInterval: 10 * time.Millisecond,
	})
}

func testMessage(id string) Message {
	return Message{
		ID:        id,
		Text:      "text " + id,
		Sender:    Sender{ID: "a1", Name: "Ana", Type: SenderAgent},
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func ids(items []QueuedMessage) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestOfflineQueue_EnqueueAndRestore(t *testing.T) {
	ctx := context.Background()
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	q := newTestQueue(t, storage, 3)
	for _, id := range []string{"m1", "m2", "m3"} {
		item, err := q.Enqueue(ctx, "42", testMessage(id))
		if err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
		if item.Status != StatusQueued {
			t.Errorf("expected queued status, got %q", item.Status)
		}
	}

	t.Run("idempotent by id", func(t *testing.T) {
		again, err := q.Enqueue(ctx, "42", testMessage("m2"))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if again.Seq != 2 {
			t.Errorf("expected existing item with seq 2, got %d", again.Seq)
		}
		if n, _ := q.Len(ctx); n != 3 {
			t.Errorf("expected 3 items, got %d", n)
		}
	})

	t.Run("survives restart in order", func(t *testing.T) {
		restored := newTestQueue(t, storage, 3)
		items, err := restored.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := fmt.Sprint(ids(items)); got != "[m1 m2 m3]" {
			t.Fatalf("expected [m1 m2 m3], got %s", got)
		}
		if items[0].ConversationID != "42" || items[0].Text != "text m1" {
			t.Errorf("unexpected restored item: %+v", items[0])
		}
	})
}

func TestOfflineQueue_RestoresInterruptedSend(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	storage.Set(ctx, queueStorageKey, []byte(`[
		{"id":"b","text":"second","status":"sending","conversationId":"7","seq":2},
		{"id":"a","text":"first","conversationId":"7","timestamp":"2026-01-01T00:00:00Z"}
	]`))

	q := newTestQueue(t, storage, 3)
	items, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := fmt.Sprint(ids(items)); got != "[b a]" {
		t.Fatalf("expected [b a], got %s", got)
	}
	for _, it := range items {
		if it.Status != StatusQueued {
			t.Errorf("%s: expected queued status, got %q", it.ID, it.Status)
		}
	}
	if items[1].Seq != 3 {
		t.Errorf("expected missing seq to be assigned after the highest, got %d", items[1].Seq)
	}
	if items[1].QueuedAt.IsZero() {
		t.Error("expected QueuedAt to fall back to the timestamp")
	}
}

func TestOfflineQueue_CorruptStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	storage.Set(ctx, queueStorageKey, []byte(`{not json`))

	q := newTestQueue(t, storage, 3)
	if _, err := q.Enqueue(ctx, "1", testMessage("m1")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOfflineQueue_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("failure holds back only its conversation", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), 5)
		q.Enqueue(ctx, "A", testMessage("a1"))
		q.Enqueue(ctx, "B", testMessage("b1"))
		q.Enqueue(ctx, "A", testMessage("a2"))

		var attempted []string
		res, err := q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error {
			attempted = append(attempted, m.ID)
			if m.Status != StatusSending {
				t.Errorf("%s: expected sending status during send, got %q", m.ID, m.Status)
			}
			if m.ID == "a1" {
				return errors.New("boom")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if got := fmt.Sprint(attempted); got != "[a1 b1]" {
			t.Errorf("expected a2 to be held back, attempted %s", got)
		}
		if got := fmt.Sprint(ids(res.Sent)); got != "[b1]" {
			t.Errorf("expected [b1] sent, got %s", got)
		}
		if len(res.Failed) != 1 || res.Failed[0].Attempts != 1 || res.Failed[0].LastError != "boom" {
			t.Errorf("unexpected failed list: %+v", res.Failed)
		}

		items, _ := q.List(ctx)
		if got := fmt.Sprint(ids(items)); got != "[a1 a2]" {
			t.Errorf("expected [a1 a2] left, got %s", got)
		}
		if items[0].Status != StatusFailed {
			t.Errorf("expected a1 failed, got %q", items[0].Status)
		}

		// Next pass delivers the rest in order.
		attempted = nil
		res, err = q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error {
			attempted = append(attempted, m.ID)
			return nil
		})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if got := fmt.Sprint(attempted); got != "[a1 a2]" {
			t.Errorf("expected [a1 a2], got %s", got)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Errorf("expected empty queue, got %d", n)
		}
	})

	t.Run("permanent failure after retry budget", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), 2)
		var updates []StatusUpdate
		q.OnStatus(func(u StatusUpdate) { updates = append(updates, u) })
		q.Enqueue(ctx, "A", testMessage("m1"))

		fail := func(ctx context.Context, m QueuedMessage) error { return errors.New("rejected") }
		q.Drain(ctx, fail)
		res, _ := q.Drain(ctx, fail)
		if len(res.Failed) != 1 || !res.Failed[0].PermanentlyFailed {
			t.Fatalf("expected permanent failure on second pass, got %+v", res.Failed)
		}
		if len(updates) != 1 || updates[0].Status != StatusFailed {
			t.Fatalf("expected one failed status update, got %+v", updates)
		}
		var perm *PermanentSendFailure
		if !errors.As(updates[0].Err, &perm) || perm.Message.Attempts != 2 {
			t.Fatalf("expected PermanentSendFailure after 2 attempts, got %v", updates[0].Err)
		}

		called := false
		q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error { called = true; return nil })
		if called {
			t.Fatal("expected permanently failed message to be skipped")
		}

		t.Run("retry resets the budget", func(t *testing.T) {
			item, err := q.Retry(ctx, "m1")
			if err != nil {
				t.Fatalf("Retry: %v", err)
			}
			if item.Attempts != 0 || item.PermanentlyFailed || item.Status != StatusQueued {
				t.Fatalf("unexpected item after retry: %+v", item)
			}
			res, _ := q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error { return nil })
			if len(res.Sent) != 1 {
				t.Fatalf("expected message sent after retry, got %+v", res)
			}
			if last := updates[len(updates)-1]; last.Status != StatusSent || last.MessageID != "m1" {
				t.Fatalf("expected sent update, got %+v", last)
			}
		})
	})

	t.Run("concurrent drain waits for the running pass", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), 5)
		q.Enqueue(ctx, "A", testMessage("m1"))

		release := make(chan struct{})
		started := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started
		q.Enqueue(ctx, "B", testMessage("m2"))

		second := make(chan DrainResult, 1)
		go func() {
			res, err := q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error { return nil })
			if err != nil {
				t.Errorf("Drain: %v", err)
			}
			second <- res
		}()
		select {
		case <-second:
			t.Fatal("expected the second drain to wait for the first")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		wg.Wait()
		res := <-second
		if got := ids(res.Sent); len(got) != 1 || got[0] != "m2" {
			t.Fatalf("expected the second pass to send only m2, got %v", got)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("expected empty queue, got %d", n)
		}
	})

	t.Run("waiting drain honours ctx", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), 5)
		q.Enqueue(ctx, "A", testMessage("m1"))

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started
		defer func() {
			close(release)
			<-done
		}()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := q.Drain(waitCtx, func(ctx context.Context, m QueuedMessage) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("discarded during send is not reported", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), 5)
		q.Enqueue(ctx, "A", testMessage("m1"))

		res, err := q.Drain(ctx, func(ctx context.Context, m QueuedMessage) error {
			if err := q.Remove(ctx, m.ID); err != nil {
				t.Errorf("Remove: %v", err)
			}
			return errors.New("rejected")
		})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if len(res.Sent)+len(res.Failed) != 0 {
			t.Fatalf("expected nothing reported for a discarded message, got %+v", res)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("expected the discard to stick, got %d queued", n)
		}
	})

	t.Run("outcome recorded when ctx ends mid-send", func(t *testing.T) {
		storage, err := NewSQLiteStorage("")
		if err != nil {
			t.Fatalf("NewSQLiteStorage: %v", err)
		}
		defer storage.Close()
		q := newTestQueue(t, storage, 5)
		q.Enqueue(ctx, "A", testMessage("m1"))

		drainCtx, cancel := context.WithCancel(ctx)
		res, err := q.Drain(drainCtx, func(ctx context.Context, m QueuedMessage) error {
			cancel()
			return ctx.Err()
		})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if len(res.Failed) != 1 || res.Failed[0].Attempts != 1 {
			t.Fatalf("expected one recorded failure, got %+v", res)
		}

		restored := newTestQueue(t, storage, 5)
		items, err := restored.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(items) != 1 || items[0].Attempts != 1 {
			t.Fatalf("expected the failed attempt persisted, got %+v", items)
		}
	})
}

func TestOfflineQueue_Remove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryStorage(), 5)
	q.Enqueue(ctx, "A", testMessage("m1"))
	q.Enqueue(ctx, "B", testMessage("m2"))

	if err := q.Remove(ctx, "nope"); !errors.Is(err, ErrQueueItemNotFound) {
		t.Fatalf("expected ErrQueueItemNotFound, got %v", err)
	}
	if err := q.Remove(ctx, "m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	items, _ := q.ListFor(ctx, "B")
	if len(items) != 1 || items[0].ID != "m2" {
		t.Fatalf("expected m2 left for B, got %v", ids(items))
	}
	items, _ = q.ListFor(ctx, "A")
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil list for A, got %v", items)
	}
}

func TestOfflineQueue_RunSkipsWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newTestQueue(t, NewMemoryStorage(), 5)
	q.Enqueue(ctx, "A", testMessage("m1"))

	var (
		mu     sync.Mutex
		online bool
		sent   int
	)
	go q.Run(ctx, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}, func(ctx context.Context, m QueuedMessage) error {
		mu.Lock()
		sent++
		mu.Unlock()
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if sent != 0 {
		t.Fatalf("expected no sends while offline, got %d", sent)
	}
	online = true
	mu.Unlock()

	waitFor(t, time.Second, "scheduled drain", func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	})
}
