// Package sched abstracts one-shot timers so components that own reconnect,
// heartbeat and expiry timers can be driven by a fake clock in tests.
package sched

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped the
	// timer before it fired.
	Stop() bool
}

// Scheduler creates timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the Scheduler backed by the runtime timer heap. Callbacks run
// on their own goroutine, as with time.AfterFunc.
type System struct{}

// AfterFunc implements Scheduler.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrSystem returns s, or System when s is nil.
func OrSystem(s Scheduler) Scheduler {
	if s == nil {
		return System{}
	}
	return s
}
