package sched

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock driven by explicit Advance calls. Timer
// callbacks run synchronously on the advancing goroutine, so a test
// observes every fired flush before Advance returns.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	active   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.active = false
	return was
}

// NewManualClock creates a manual clock starting at an arbitrary base
// time.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers fn to run when the clock advances past d from
// now.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{
		clock:    c,
		deadline: c.now.Add(d),
		fn:       fn,
		active:   true,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline
// order. Callbacks that schedule new timers within the advanced window
// fire in the same call.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// popDue removes and returns the earliest active timer with a deadline
// at or before target, or nil. Caller holds the lock.
func (c *ManualClock) popDue(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.active {
			live = append(live, t)
		}
	}
	c.timers = live

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})

	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}

	t := c.timers[0]
	t.active = false
	c.timers = c.timers[1:]
	return t
}
