package inbox

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most perSecond events per second with the given burst.
// Calls over the limit are dropped, not delayed.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewThrottle creates a token bucket throttle.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether an event may happen now.
func (t *Throttle) Allow() bool {
	return t.AllowAt(time.Now())
}

// AllowAt reports whether an event may happen at now.
func (t *Throttle) AllowAt(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter.AllowN(now, 1)
}

// Reset refills the bucket.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = rate.NewLimiter(t.limiter.Limit(), t.limiter.Burst())
}

// Debouncer runs a function once, delay after the last Trigger.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
	gen   uint64
}

// NewDebouncer creates a debouncer.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger (re)schedules fn. An earlier pending function is replaced.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	gen := d.gen
	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.fn == nil {
		d.mu.Unlock()
		return
	}
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()
	fn()
}

// Flush runs the pending function now. It reports whether one was pending.
func (d *Debouncer) Flush() bool {
	fn := d.take()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Cancel drops the pending function. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	return d.take() != nil
}

// Pending reports whether a function is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}

func (d *Debouncer) take() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn := d.fn
	d.fn = nil
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return fn
}
