// Package sched provides the timer primitives behind debounced flushes.
//
// Stores never call time.AfterFunc directly; they go through a Clock so
// tests can drive debounce windows with a manual clock instead of
// sleeping.
package sched

import "time"

// Clock creates timers.
type Clock interface {
	// AfterFunc schedules fn to run after d. The returned timer can be
	// stopped before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending scheduled call.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was still
	// pending.
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the real-time clock.
func SystemClock() Clock {
	return systemClock{}
}
