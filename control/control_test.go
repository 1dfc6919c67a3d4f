package control_test

import (
	"testing"

	"github.com/momentics/fiberd/control"
)

type fakeSched struct {
	pending      int
	pendingEvent int64
}

func (f fakeSched) Pending() int             { return f.pending }
func (f fakeSched) PendingEventCount() int64 { return f.pendingEvent }

type fakeTimers struct {
	length    int
	rollovers int
}

func (f fakeTimers) Len() int           { return f.length }
func (f fakeTimers) RolloverCount() int { return f.rollovers }

func TestGaugesSnapshotIsIndependentCopy(t *testing.T) {
	g := control.NewGauges()
	g.Set("x", 1)
	snap := g.Snapshot()
	snap["x"] = 99
	if g.Snapshot()["x"] != 1 {
		t.Fatal("mutating a snapshot must not affect the underlying gauges")
	}
}

func TestBindRuntimeRegistersProbesAndGauges(t *testing.T) {
	g := control.NewGauges()
	p := control.NewProbes()

	control.BindRuntime("io", g, p, fakeSched{pending: 3, pendingEvent: 5}, fakeTimers{length: 2, rollovers: 1})

	dump := p.Dump()
	if dump["io.fibers.pending"] != 3 {
		t.Fatalf("expected probe io.fibers.pending=3, got %v", dump["io.fibers.pending"])
	}
	snap := g.Snapshot()
	if snap["io.events.pending"] != 5 {
		t.Fatalf("expected gauge io.events.pending=5, got %v", snap["io.events.pending"])
	}
}
