package inbox

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(2, 1)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !th.AllowAt(t0) {
		t.Fatal("expected first event to pass")
	}
	if th.AllowAt(t0.Add(100 * time.Millisecond)) {
		t.Fatal("expected second event within 500ms to be dropped")
	}
	if !th.AllowAt(t0.Add(600 * time.Millisecond)) {
		t.Fatal("expected event after 600ms to pass")
	}

	th.Reset()
	if !th.AllowAt(t0.Add(700 * time.Millisecond)) {
		t.Fatal("expected a reset throttle to admit the next event")
	}
	if th.AllowAt(t0.Add(800 * time.Millisecond)) {
		t.Fatal("expected the limit to hold after a reset")
	}
}

func TestDebouncer(t *testing.T) {
	t.Run("fires once after the last trigger", func(t *testing.T) {
		d := NewDebouncer(30 * time.Millisecond)
		var fired atomic.Int32
		for i := 0; i < 5; i++ {
			d.Trigger(func() { fired.Add(1) })
			time.Sleep(5 * time.Millisecond)
		}
		if !d.Pending() {
			t.Fatal("expected pending function")
		}
		waitFor(t, time.Second, "debounced call", func() bool { return fired.Load() == 1 })
		time.Sleep(60 * time.Millisecond)
		if n := fired.Load(); n != 1 {
			t.Fatalf("expected exactly one call, got %d", n)
		}
		if d.Pending() {
			t.Fatal("expected nothing pending after fire")
		}
	})

	t.Run("flush runs now", func(t *testing.T) {
		d := NewDebouncer(time.Hour)
		ran := false
		d.Trigger(func() { ran = true })
		if !d.Flush() {
			t.Fatal("expected Flush to report a pending function")
		}
		if !ran {
			t.Fatal("expected function to run on Flush")
		}
		if d.Flush() {
			t.Fatal("expected second Flush to be a no-op")
		}
	})

	t.Run("cancel drops", func(t *testing.T) {
		d := NewDebouncer(10 * time.Millisecond)
		var fired atomic.Int32
		d.Trigger(func() { fired.Add(1) })
		if !d.Cancel() {
			t.Fatal("expected Cancel to report a pending function")
		}
		time.Sleep(40 * time.Millisecond)
		if fired.Load() != 0 {
			t.Fatal("expected cancelled function not to run")
		}
	})
}
