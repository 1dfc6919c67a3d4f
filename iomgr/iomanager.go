// File: iomgr/iomanager.go
// Author: momentics <momentics@gmail.com>
//
// IOManager is the Go analogue of sylar::IOManager: a Scheduler whose idle
// slot polls an epoll instance instead of spinning, waking fibers that
// registered interest in a descriptor becoming readable or writable. The
// original ran the poll loop as a special scheduler fiber; here it runs as
// the Idle hook the sched.Scheduler calls when a worker finds nothing
// runnable, guarded so only one worker actually blocks in epoll_wait at a
// time.
package iomgr

import (
	"errors"
	"sync/atomic"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/sched"
	"github.com/momentics/fiberd/timer"
)

// defaultIdleTimeoutMS caps how long Idle blocks in the poller, whether or
// not a timer is pending, so Stop's Tickle is never strictly required for
// liveness.
const defaultIdleTimeoutMS = 3000

var _ sched.StopGate = (*IOManager)(nil)

// IOManager multiplexes descriptor readiness across a fiber scheduler pool.
type IOManager struct {
	*sched.Scheduler

	fdMgr  *FdManager
	timers *timer.Manager
	p      poller

	polling atomic.Bool
	pending atomic.Int64
}

// New creates an IOManager with workerCount worker goroutines.
func New(name string, workerCount int) (*IOManager, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	m := &IOManager{
		fdMgr: NewFdManager(),
	}
	m.timers = timer.NewManager(func() { _ = m.p.Tickle() })
	m.p = p
	m.Scheduler = sched.New(name, workerCount, m)
	return m, nil
}

// Stopping reports whether the embedded Scheduler has been told to stop
// and every outstanding descriptor registration and timer has drained. It
// implements sched.StopGate so a worker finding the run queue empty waits
// out a graceful shutdown instead of abandoning fibers parked in HOLD on a
// pending event or timer.
func (m *IOManager) Stopping() bool {
	return m.Scheduler.Stopping() && m.pending.Load() == 0 && m.timers.Len() == 0
}

// Idle implements sched.Idler. It is invoked by whichever worker goroutine
// currently has nothing runnable; if another worker is already blocked in
// the poller it returns immediately, deferring to the scheduler's normal
// condvar wait instead of spinning. Once Stopping reports true there is
// nothing left to poll for, so it returns without touching the poller.
func (m *IOManager) Idle() {
	if m.Stopping() {
		return
	}
	if !m.polling.CompareAndSwap(false, true) {
		return
	}
	defer m.polling.Store(false)

	timeoutMS := m.timers.NextDeadlineMS()
	if timeoutMS < 0 || timeoutMS > defaultIdleTimeoutMS {
		timeoutMS = defaultIdleTimeoutMS
	}

	events, err := m.p.Wait(timeoutMS, nil)
	if err != nil {
		return
	}
	for _, r := range events {
		m.dispatch(r)
	}

	expired := m.timers.DrainExpired()
	hint := m.timers.BatchHint()
	for start := 0; start < len(expired); start += hint {
		end := start + hint
		if end > len(expired) {
			end = len(expired)
		}
		_ = m.ScheduleBatch(expired[start:end])
	}
}

func (m *IOManager) dispatch(r ready) {
	fc, ok := m.fdMgr.Get(r.fd)
	if !ok {
		return
	}
	fc.mu.Lock()
	var fire []*eventCtx
	if (r.readable || r.hangup) && fc.read != nil {
		fire = append(fire, fc.read)
		fc.read = nil
		fc.events &^= EventRead
	}
	if (r.writable || r.hangup) && fc.write != nil {
		fire = append(fire, fc.write)
		fc.write = nil
		fc.events &^= EventWrite
	}
	remaining := fc.events
	fc.mu.Unlock()

	if remaining == 0 {
		_ = m.p.Remove(r.fd)
	} else {
		_ = m.p.Modify(r.fd, remaining&EventRead != 0, remaining&EventWrite != 0)
	}
	for _, e := range fire {
		m.pending.Add(-1)
		e.fire()
	}
}

// AddEvent registers cb to run once fd becomes ready for et; if cb is nil,
// the calling fiber (fiber.Current) is registered to be resumed instead. It
// fails with ErrEventAlreadyRegistered if fd already has a pending
// registration for that direction, matching the original's addEvent
// contract.
func (m *IOManager) AddEvent(fd int, et EventType, cb func()) error {
	if cb == nil {
		return m.addEvent(fd, et, &eventCtx{f: fiber.Current(), sched: m.Scheduler})
	}
	return m.addEvent(fd, et, &eventCtx{cb: cb, sched: m.Scheduler})
}

// AddEventFiber registers f to be resumed once fd becomes ready for et. f
// must currently be suspended (e.g. having just called fiber.YieldToHold).
func (m *IOManager) AddEventFiber(fd int, et EventType, f *fiber.Fiber) error {
	return m.addEvent(fd, et, &eventCtx{f: f, sched: m.Scheduler})
}

func (m *IOManager) addEvent(fd int, et EventType, e *eventCtx) error {
	fc := m.fdMgr.GetOrCreate(fd)
	fc.mu.Lock()
	if (et == EventRead && fc.read != nil) || (et == EventWrite && fc.write != nil) {
		fc.mu.Unlock()
		return ErrEventAlreadyRegistered
	}
	wasEmpty := fc.events == 0
	switch et {
	case EventRead:
		fc.read = e
		fc.events |= EventRead
	case EventWrite:
		fc.write = e
		fc.events |= EventWrite
	}
	events := fc.events
	fc.mu.Unlock()

	var err error
	if wasEmpty {
		err = m.p.Add(fd, events&EventRead != 0, events&EventWrite != 0)
	} else {
		err = m.p.Modify(fd, events&EventRead != 0, events&EventWrite != 0)
	}
	if err != nil {
		fc.mu.Lock()
		switch et {
		case EventRead:
			fc.read = nil
			fc.events &^= EventRead
		case EventWrite:
			fc.write = nil
			fc.events &^= EventWrite
		}
		fc.mu.Unlock()
		return err
	}
	m.pending.Add(1)
	return nil
}

// FdContext returns fd's descriptor context, creating and lazily
// initializing it (socket detection, forcing O_NONBLOCK at the system
// level) if this is the first time fd has been seen. hook.doIO uses this to
// decide whether a call needs hooking at all before touching the poller.
func (m *IOManager) FdContext(fd int) *FdContext {
	return m.fdMgr.GetOrCreate(fd)
}

// DelEvent removes fd's pending registration for et without firing it,
// the silent counterpart to CancelEvent, matching delEvent's contract: a
// caller that no longer cares about the outcome simply forgets it rather
// than forcing the registered callback or fiber to run early.
func (m *IOManager) DelEvent(fd int, et EventType) bool {
	fc, ok := m.fdMgr.Get(fd)
	if !ok {
		return false
	}
	fc.mu.Lock()
	var had bool
	switch et {
	case EventRead:
		had = fc.read != nil
		fc.read = nil
		fc.events &^= EventRead
	case EventWrite:
		had = fc.write != nil
		fc.write = nil
		fc.events &^= EventWrite
	}
	remaining := fc.events
	fc.mu.Unlock()
	if !had {
		return false
	}

	if remaining == 0 {
		_ = m.p.Remove(fd)
	} else {
		_ = m.p.Modify(fd, remaining&EventRead != 0, remaining&EventWrite != 0)
	}
	m.pending.Add(-1)
	return true
}

// CancelEvent removes fd's pending registration for et and fires it
// immediately with whatever partial result the caller's callback is
// prepared to handle, matching cancelEvent's "fire early" semantics.
func (m *IOManager) CancelEvent(fd int, et EventType) bool {
	fc, ok := m.fdMgr.Get(fd)
	if !ok {
		return false
	}
	fc.mu.Lock()
	var e *eventCtx
	switch et {
	case EventRead:
		e, fc.read = fc.read, nil
		fc.events &^= EventRead
	case EventWrite:
		e, fc.write = fc.write, nil
		fc.events &^= EventWrite
	}
	remaining := fc.events
	fc.mu.Unlock()
	if e == nil {
		return false
	}

	if remaining == 0 {
		_ = m.p.Remove(fd)
	} else {
		_ = m.p.Modify(fd, remaining&EventRead != 0, remaining&EventWrite != 0)
	}
	m.pending.Add(-1)
	e.fire()
	return true
}

// CancelAll removes and fires every pending registration on fd, then
// forgets fd entirely. Callers should invoke this from a close hook.
func (m *IOManager) CancelAll(fd int) {
	fc, ok := m.fdMgr.Get(fd)
	if !ok {
		return
	}
	fc.mu.Lock()
	read, write := fc.read, fc.write
	fc.read, fc.write = nil, nil
	hadAny := fc.events != 0
	fc.events = 0
	fc.mu.Unlock()

	if hadAny {
		_ = m.p.Remove(fd)
	}
	m.fdMgr.Del(fd)
	if read != nil {
		m.pending.Add(-1)
		read.fire()
	}
	if write != nil {
		m.pending.Add(-1)
		write.fire()
	}
}

// PendingEventCount reports how many descriptor registrations are
// currently outstanding, mirroring m_pendingEventCount.
func (m *IOManager) PendingEventCount() int64 {
	return m.pending.Load()
}

// Timers exposes the manager's TimerManager for callers (notably the hook
// package) that need to arm a timeout alongside a descriptor registration.
func (m *IOManager) Timers() *timer.Manager { return m.timers }

// Stop tickles the poller so a blocked Idle call observes shutdown
// promptly, then stops the embedded Scheduler.
func (m *IOManager) Stop() {
	_ = m.p.Tickle()
	m.Scheduler.Stop()
	_ = m.p.Close()
}

// ErrNoPoller is returned by New on platforms without a poller backend.
var ErrNoPoller = errors.New("iomgr: platform has no readiness multiplexer")
