package sched

import (
	"sync"
	"time"
)

// Debouncer delays a call until a quiet period has elapsed since the
// last trigger. Rapid successive triggers replace the pending timer, so
// only the final call runs.
type Debouncer struct {
	mu    sync.Mutex
	clock Clock
	timer Timer
	delay time.Duration
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock: clock,
		delay: delay,
	}
}

// Trigger schedules fn to run after the quiet period. Any pending call
// is cancelled and replaced.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, fn)
}

// Cancel drops any pending call. It reports whether a call was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	return stopped
}
