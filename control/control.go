// File: control/control.go
// Author: momentics <momentics@gmail.com>
//
// Package control exposes runtime introspection over a running scheduler,
// timer manager and IO manager, adapted from the teacher's MetricsRegistry
// and DebugProbes (a plain string-keyed metrics map and a named-probe
// reflector). Metrics here are narrowed from arbitrary any values to int64
// gauges, since every quantity this runtime tracks (pending fibers,
// pending descriptor events, pending timers) is a count.
package control

import (
	"sync"
	"time"
)

// Gauges is a thread-safe collection of named integer counters, the
// analogue of MetricsRegistry.Set/GetSnapshot.
type Gauges struct {
	mu      sync.RWMutex
	values  map[string]int64
	updated time.Time
}

// NewGauges creates an empty Gauges collection.
func NewGauges() *Gauges {
	return &Gauges{values: make(map[string]int64)}
}

// Set records the current value of a named gauge.
func (g *Gauges) Set(name string, value int64) {
	g.mu.Lock()
	g.values[name] = value
	g.updated = time.Now()
	g.mu.Unlock()
}

// Snapshot returns a copy of every recorded gauge.
func (g *Gauges) Snapshot() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int64, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// LastUpdated reports when a gauge was last set.
func (g *Gauges) LastUpdated() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.updated
}

// Probes holds named debug callbacks, the analogue of DebugProbes.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates an empty Probes registry.
func NewProbes() *Probes {
	return &Probes{probes: make(map[string]func() any)}
}

// Register installs a named probe callback, overwriting any existing probe
// of the same name.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Dump evaluates every registered probe and returns the results.
func (p *Probes) Dump() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.probes))
	for name, fn := range p.probes {
		out[name] = fn()
	}
	return out
}

// statSource is satisfied by *iomgr.IOManager; declared locally to avoid
// control importing iomgr just for a type it only needs two methods of.
type statSource interface {
	Pending() int
	PendingEventCount() int64
}

// timerSource is satisfied by *timer.Manager.
type timerSource interface {
	Len() int
	RolloverCount() int
}

// BindRuntime wires an IOManager's and TimerManager's counters into gauges
// and probes under the given component name, so operators can poll
// Gauges.Snapshot or Probes.Dump instead of reaching into scheduler
// internals directly. The probes read the live counters on every Dump; the
// gauges are set once, when BindRuntime runs, and are not updated after.
func BindRuntime(name string, g *Gauges, p *Probes, sched statSource, timers timerSource) {
	p.Register(name+".fibers.pending", func() any { return sched.Pending() })
	p.Register(name+".events.pending", func() any { return sched.PendingEventCount() })
	p.Register(name+".timers.pending", func() any { return timers.Len() })
	p.Register(name+".timers.rollovers", func() any { return timers.RolloverCount() })

	refresh := func() {
		g.Set(name+".fibers.pending", int64(sched.Pending()))
		g.Set(name+".events.pending", sched.PendingEventCount())
		g.Set(name+".timers.pending", int64(timers.Len()))
	}
	refresh()
}
