// Package schedtest provides a manually advanced sched.Scheduler.
package schedtest

import (
	"sync"
	"time"

	"github.com/pennywise/chat-relay/internal/sched"
)

// Fake is a sched.Scheduler whose clock only moves when Advance is called.
// Callbacks run synchronously on the goroutine calling Advance, in deadline
// order, so tests observe every timer effect before Advance returns.
type Fake struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*timer
	created int
}

// New returns a Fake at elapsed time zero.
func New() *Fake {
	return &Fake{}
}

type timer struct {
	fake *Fake
	at   time.Duration
	seq  int
	fn   func()
}

// AfterFunc implements sched.Scheduler.
func (f *Fake) AfterFunc(d time.Duration, fn func()) sched.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.created++
	t := &timer{fake: f, at: f.now + d, seq: f.seq, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Stop implements sched.Timer.
func (t *timer) Stop() bool {
	f := t.fake
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, firing every timer that comes due,
// including timers armed by callbacks fired during this call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()

	for {
		f.mu.Lock()
		idx := -1
		for i, p := range f.pending {
			if p.at > target {
				continue
			}
			if idx < 0 || p.at < f.pending[idx].at || (p.at == f.pending[idx].at && p.seq < f.pending[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		next := f.pending[idx]
		f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
		f.now = next.at
		f.mu.Unlock()

		next.fn()
	}
}

// Active returns the number of armed timers.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Created returns the number of timers ever armed.
func (f *Fake) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Elapsed returns how far the clock has been advanced.
func (f *Fake) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NextIn returns the delay until the earliest armed timer, and false when
// nothing is armed.
func (f *Fake) NextIn() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return 0, false
	}
	min := f.pending[0].at
	for _, p := range f.pending[1:] {
		if p.at < min {
			min = p.at
		}
	}
	return min - f.now, true
}
