package engine

import (
	"sync"
	"time"
)

// debouncer rate-limits a float-valued action. The first call of a burst runs
// at once; later calls in the burst collapse into one trailing call, made
// wait after the last call but no later than maxWait after the burst began.
type debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func(float64)
	now     func() time.Time

	mu         sync.Mutex
	timer      *time.Timer
	active     bool
	trailing   bool
	arg        float64
	burstStart time.Time
}

func newDebouncer(wait, maxWait time.Duration, fn func(float64)) *debouncer {
	if maxWait < wait {
		maxWait = wait
	}
	return &debouncer{wait: wait, maxWait: maxWait, fn: fn, now: time.Now}
}

func (d *debouncer) call(v float64) {
	d.mu.Lock()
	now := d.now()

	if !d.active {
		d.active = true
		d.burstStart = now
		d.schedule(d.wait)
		d.mu.Unlock()
		d.fn(v)
		return
	}

	d.arg = v
	d.trailing = true
	deadline := d.burstStart.Add(d.maxWait)
	next := now.Add(d.wait)
	if next.After(deadline) {
		next = deadline
	}
	d.schedule(next.Sub(now))
	d.mu.Unlock()
}

// pending reports whether a burst is open, i.e. the device volume may not
// reflect the latest request yet.
func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.active = false
	d.trailing = false
}

// schedule must be called with mu held.
func (d *debouncer) schedule(after time.Duration) {
	if d.timer == nil {
		d.timer = time.AfterFunc(after, d.fire)
		return
	}
	d.timer.Reset(after)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if !d.trailing {
		d.active = false
		d.mu.Unlock()
		return
	}

	v := d.arg
	d.trailing = false
	d.burstStart = d.now()
	d.schedule(d.wait)
	d.mu.Unlock()

	d.fn(v)
}
