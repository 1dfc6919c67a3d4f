package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/fiberd/timer"
)

func TestDrainExpiredRunsDueTimers(t *testing.T) {
	m := timer.NewManager(nil)
	var n atomic.Int32
	m.Add(0, false, func() { n.Add(1) })

	deadline := time.Now().Add(time.Second)
	var cbs []func()
	for len(cbs) == 0 && time.Now().Before(deadline) {
		cbs = m.DrainExpired()
		if len(cbs) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	for _, cb := range cbs {
		cb()
	}
	if n.Load() != 1 {
		t.Fatalf("expected callback to run once, got %d", n.Load())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	m := timer.NewManager(nil)
	var fired atomic.Bool
	tm := m.Add(50*time.Millisecond, false, func() { fired.Store(true) })
	tm.Cancel(m)

	time.Sleep(100 * time.Millisecond)
	_ = m.DrainExpired()
	if fired.Load() {
		t.Fatal("cancelled timer fired")
	}
}

func TestNextDeadlineMSMonotonicUntilFired(t *testing.T) {
	m := timer.NewManager(nil)
	m.Add(200*time.Millisecond, false, func() {})

	prev := m.NextDeadlineMS()
	if prev < 0 {
		t.Fatal("expected a pending deadline")
	}
	time.Sleep(20 * time.Millisecond)
	next := m.NextDeadlineMS()
	if next > prev {
		t.Fatalf("deadline estimate grew: %d then %d", prev, next)
	}
}

func TestConditionalTimerSkippedWhenWitnessFalse(t *testing.T) {
	m := timer.NewManager(nil)
	var ran atomic.Bool
	alive := false
	m.AddConditional(0, false, func() { ran.Store(true) }, func() bool { return alive })

	time.Sleep(10 * time.Millisecond)
	_ = m.DrainExpired()
	if ran.Load() {
		t.Fatal("conditional timer fired despite false witness")
	}
}

func TestNoPendingTimersReportsNegativeOne(t *testing.T) {
	m := timer.NewManager(nil)
	if got := m.NextDeadlineMS(); got != -1 {
		t.Fatalf("expected -1 with no timers, got %d", got)
	}
}
