package schedtest

import (
	"testing"
	"time"
)

func TestAdvance_FiresInDeadlineOrder(t *testing.T) {
	f := New()
	var order []string

	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	f.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b], got %v", order)
	}
	if f.Active() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", f.Active())
	}

	f.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("expected c to fire, got %v", order)
	}
}

func TestStop(t *testing.T) {
	f := New()
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	if tm.Stop() {
		t.Fatal("second Stop must report false")
	}
	f.Advance(time.Hour)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestAdvance_FiresTimersArmedByCallbacks(t *testing.T) {
	f := New()
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(5 * time.Second)
	if ticks != 5 {
		t.Fatalf("expected 5 ticks, got %d", ticks)
	}
	if f.Active() != 1 {
		t.Fatalf("expected exactly one re-armed timer, got %d", f.Active())
	}
	if d, ok := f.NextIn(); !ok || d != time.Second {
		t.Fatalf("expected next timer in 1s, got %v (%v)", d, ok)
	}
}
