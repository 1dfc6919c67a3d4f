// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
//
// TimerManager keeps a min-heap of deadlines ordered by expiry, mirroring
// the original sylar::TimerManager built on std::set<Timer::ptr>. Go has no
// direct ordered-set-with-mutation type, so container/heap plays that role
// here. Cancel removes a timer from the heap at once; conditional timers
// whose witness has gone false are skipped as they are drained.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/momentics/fiberd/internal/ringbuf"
)

// Timer is a single scheduled callback. Timers are compared by their
// absolute expiry time; ties are broken by sequence number so that
// insertion order is preserved for equal deadlines, matching the strict
// weak ordering used by the original Comparator.
type Timer struct {
	next     time.Time
	interval time.Duration
	periodic bool
	cb       func()

	cancelled bool
	seq       uint64
	index     int // heap index, maintained by container/heap

	cond weak // optional witness for conditional timers
}

// weak models the std::weak_ptr<void> condition used by addConditionTimer:
// the callback only fires if the witness function still reports true when
// the deadline is reached, letting a timer become a silent no-op once
// whatever it depended on has gone away, without an explicit Cancel call.
type weak func() bool

// Cancel prevents a pending timer from firing. It is safe to call more than
// once and safe to call after the timer has already fired.
func (t *Timer) Cancel(m *Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.index >= 0 && t.index < len(m.heap) && m.heap[t.index] == t {
		heap.Remove(&m.heap, t.index)
	}
}

// Refresh pushes a still-pending timer's deadline forward by its original
// interval starting from now, without changing its callback.
func (t *Timer) Refresh(m *Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 || t.index >= len(m.heap) || m.heap[t.index] != t {
		return
	}
	heap.Remove(&m.heap, t.index)
	t.next = m.now().Add(t.interval)
	heap.Push(&m.heap, t)
	m.notifyEarliestLocked()
}

// Reset replaces a pending timer's interval, optionally reusing the current
// occurrence's already-elapsed time as part of the new interval.
func (t *Timer) Reset(m *Manager, interval time.Duration, fromNow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 || t.index >= len(m.heap) || m.heap[t.index] != t {
		return
	}
	heap.Remove(&m.heap, t.index)
	start := t.next.Add(-t.interval)
	t.interval = interval
	if fromNow {
		start = m.now()
	}
	t.next = start.Add(interval)
	heap.Push(&m.heap, t)
	m.notifyEarliestLocked()
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].seq < h[j].seq
	}
	return h[i].next.Before(h[j].next)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager owns a heap of pending Timers and hands expired callbacks back to
// its caller (normally an IO manager's idle loop) to run outside the lock.
type Manager struct {
	mu   sync.RWMutex
	heap timerHeap
	seq  uint64

	nowFn         func() time.Time
	lastObserved  time.Time
	rolloverCount int

	// onEarliestChanged fires when a newly-inserted timer becomes the
	// soonest pending deadline, so the idle loop can shorten its next
	// poll wait instead of waiting out a now-stale timeout.
	onEarliestChanged func()

	// wideVectorCPU reports whether the running CPU exposes AVX2. It
	// selects BatchHint's value, which the IO manager's idle loop uses as
	// the chunk size when it hands drained callbacks to ScheduleBatch.
	wideVectorCPU bool

	// drained buffers callback pointers during the locked heap scan in
	// DrainExpired, before they are copied into the slice returned to the
	// caller. The buffer is reused across calls; the returned slice is
	// allocated fresh on each drain.
	drained *ringbuf.Buffer[func()]
}

// BatchHint returns a suggested batch size for callers draining expired
// timers in bulk, informed by the host CPU's vector width.
func (m *Manager) BatchHint() int {
	if m.wideVectorCPU {
		return 64
	}
	return 16
}

// NewManager creates an empty Manager. onEarliestChanged may be nil.
func NewManager(onEarliestChanged func()) *Manager {
	m := &Manager{
		nowFn:             time.Now,
		onEarliestChanged: onEarliestChanged,
		wideVectorCPU:     cpu.X86.HasAVX2,
		drained:           ringbuf.New[func()](64),
	}
	m.lastObserved = m.nowFn()
	heap.Init(&m.heap)
	return m
}

func (m *Manager) now() time.Time {
	current := m.nowFn()
	if current.Before(m.lastObserved.Add(-time.Hour)) {
		// The wall clock jumped backwards by more than an hour, e.g. an
		// NTP step. Treat every pending timer as due immediately rather
		// than let it sleep for however long the clock rolled back,
		// mirroring the detect_clock_rollover behavior.
		m.rolloverCount++
		for _, t := range m.heap {
			t.next = current
		}
	}
	m.lastObserved = current
	return current
}

// Add schedules cb to run after d, optionally repeating every d until
// cancelled.
func (m *Manager) Add(d time.Duration, periodic bool, cb func()) *Timer {
	return m.addConditional(d, periodic, cb, nil)
}

// AddConditional schedules cb to run after d only if witness() still
// returns true at expiry, mirroring addConditionTimer's weak_ptr guard.
func (m *Manager) AddConditional(d time.Duration, periodic bool, cb func(), witness func() bool) *Timer {
	return m.addConditional(d, periodic, cb, witness)
}

func (m *Manager) addConditional(d time.Duration, periodic bool, cb func(), witness func() bool) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &Timer{
		next:     m.now().Add(d),
		interval: d,
		periodic: periodic,
		cb:       cb,
		cond:     witness,
		seq:      m.seq,
		index:    -1,
	}
	heap.Push(&m.heap, t)
	if m.heap[0] == t {
		m.notifyEarliestLocked()
	}
	return t
}

func (m *Manager) notifyEarliestLocked() {
	if m.onEarliestChanged != nil {
		m.onEarliestChanged()
	}
}

// NextDeadlineMS returns the number of milliseconds until the soonest
// pending timer fires, 0 if one is already due, or -1 if there are none.
// The result is monotonically consistent with the heap contents at the
// instant it is read: it never reports a wait longer than the true nearest
// deadline.
func (m *Manager) NextDeadlineMS() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.heap) == 0 {
		return -1
	}
	now := m.nowFn()
	d := m.heap[0].next.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}

// DrainExpired removes every timer due at or before now and returns their
// callbacks for the caller to invoke outside the lock. Cancelled timers and
// conditional timers whose witness has gone false are dropped silently.
// Periodic timers are re-armed for their next occurrence before this
// returns.
func (m *Manager) DrainExpired() []func() {
	m.mu.Lock()

	if len(m.heap) == 0 {
		m.mu.Unlock()
		return nil
	}

	now := m.now()
	m.drained.Reset()
	for len(m.heap) > 0 && !m.heap[0].next.After(now) {
		t := heap.Pop(&m.heap).(*Timer)
		if t.cancelled {
			continue
		}
		if t.cond != nil && !t.cond() {
			continue
		}
		m.drained.Push(t.cb)
		if t.periodic {
			t.next = now.Add(t.interval)
			t.cancelled = false
			heap.Push(&m.heap, t)
		}
	}
	out := make([]func(), 0, m.drained.Len())
	for {
		cb, ok := m.drained.Pop()
		if !ok {
			break
		}
		out = append(out, cb)
	}
	m.mu.Unlock()
	return out
}

// Len reports the number of timers currently pending, including cancelled
// ones not yet swept from the heap by DrainExpired or an explicit Cancel.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.heap)
}

// RolloverCount reports how many times a backward wall-clock jump was
// detected and compensated for. Exposed for tests and diagnostics only.
func (m *Manager) RolloverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rolloverCount
}
