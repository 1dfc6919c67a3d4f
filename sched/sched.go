// File: sched/sched.go
// Author: momentics <momentics@gmail.com>
//
// Scheduler runs a pool of worker goroutines pulling tasks off a shared
// FIFO queue, matching the original N:M design where any idle thread may
// pick up any runnable fiber. Each worker owns one root fiber, bound via
// internal/tls, that represents the "control returns here between tasks"
// context the original ucontext-based scheduler swapped back into.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/fiberd/api"
	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/internal/tls"
)

var (
	_ api.Scheduler = (*Scheduler)(nil)
	_ api.Executor  = (*Scheduler)(nil)
)

// ErrAlreadyRunning reports a scheduler that is already active. A Scheduler
// starts its workers in New and has no Start method, so no function in
// this package returns it.
var ErrAlreadyRunning = errors.New("sched: scheduler already running")

// ErrStopped is returned by Schedule once Stop has been called.
var ErrStopped = errors.New("sched: scheduler stopped")

// AnyWorker is the "no preference" sentinel for scheduleFiber's preferred
// worker slot, mirroring the original's preferred_thread=-1 default.
const AnyWorker = -1

// task is the runnable unit placed on the queue: either a caller-supplied
// closure (wrapped in an ephemeral fiber the scheduler owns and closes once
// it terminates) or an existing fiber the caller retains ownership of.
// preferred, when not AnyWorker, pins the task to one worker's own queue so
// tasks that share a preferred slot run in the order they were enqueued on
// it, matching schedule(task, preferred_thread)'s ordering guarantee.
type task struct {
	f         *fiber.Fiber
	ephemeral bool
	preferred int
}

// Idler is an optional capability a Scheduler backend can implement to be
// notified when a worker has nothing runnable and is about to block. An
// IO manager embeds a Scheduler and satisfies this to fold epoll waiting
// into the same idle slot the original design used for tickle handling.
type Idler interface {
	Idle()
}

// StopGate is implemented by an Idler that must veto worker shutdown until
// more than the bare run queue has drained, e.g. an IOManager waiting for
// outstanding descriptor registrations and timers to fire before letting
// its workers exit. If the configured Idler does not implement StopGate,
// Stop draining is governed by the run queue alone.
type StopGate interface {
	Stopping() bool
}

// Scheduler is a resizable pool of worker goroutines draining a shared
// runnable queue. It is the Go analogue of sylar::Scheduler.
type Scheduler struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	q       *queue.Queue
	running bool
	stopped atomic.Bool

	activeFibers int

	wg sync.WaitGroup

	idler   Idler
	workers int
	target  int

	// workerQueues holds each live worker's own pinned-task queue, keyed
	// by the worker slot id assigned at spawn time. Ids are never reused
	// within a Scheduler's lifetime even as workers come and go under
	// Resize, so a stale preferred id from a shrunk-away worker simply
	// falls back to the shared queue rather than resolving to the wrong
	// worker.
	workerQueues map[int]*queue.Queue
	nextWorkerID int
}

// New creates a Scheduler with workerCount workers. name is used only for
// diagnostics (surfaced through the control package). idler may be nil.
func New(name string, workerCount int, idler Idler) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{
		name:         name,
		q:            queue.New(),
		idler:        idler,
		workerQueues: make(map[int]*queue.Queue),
	}
	s.cond = sync.NewCond(&s.mu)
	s.startWorkers(workerCount)
	return s
}

func (s *Scheduler) startWorkers(n int) {
	s.running = true
	s.spawnWorkersLocked(n)
	s.target = s.workers
}

// spawnWorkersLocked assigns each new worker a stable slot id and its own
// pinned-task queue, then starts its goroutine. Callers must hold s.mu,
// except New's initial spawn, which calls it without the lock since no
// other goroutine can observe the Scheduler yet.
func (s *Scheduler) spawnWorkersLocked(n int) {
	for i := 0; i < n; i++ {
		id := s.nextWorkerID
		s.nextWorkerID++
		s.workerQueues[id] = queue.New()
		s.workers++
		s.wg.Add(1)
		go s.workerLoop(id)
	}
}

// NumWorkers reports the number of worker goroutines currently running.
func (s *Scheduler) NumWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Resize adjusts the worker pool at runtime. Growing spawns additional
// workers immediately; shrinking lowers the target and lets that many
// workers exit the next time they find themselves idle, so no task in
// flight is interrupted.
func (s *Scheduler) Resize(newCount int) {
	if newCount < 1 {
		newCount = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.target = newCount
	if newCount > s.workers {
		s.spawnWorkersLocked(newCount - s.workers)
	}
	s.cond.Broadcast()
}

// Schedule enqueues fn to run on some worker, wrapped in a fresh fiber that
// the scheduler closes automatically once it terminates: nobody else holds
// a reference to reset it, so leaving its goroutine parked would leak it.
func (s *Scheduler) Schedule(fn func()) error {
	return s.scheduleFiber(fiber.New(fn, 0), true, AnyWorker)
}

// ScheduleOn behaves like Schedule but pins fn to a specific worker slot,
// as reported by CurrentWorkerID, instead of letting any idle worker pick
// it up. Tasks pinned to the same slot run in the order they were
// enqueued, mirroring schedule(task, preferred_thread)'s ordering
// guarantee. A preferredWorker that no longer identifies a live worker
// (e.g. the pool shrank) falls back to the shared queue.
func (s *Scheduler) ScheduleOn(fn func(), preferredWorker int) error {
	return s.scheduleFiber(fiber.New(fn, 0), true, preferredWorker)
}

// Submit is Schedule under the name the api.Executor contract expects, so
// a *Scheduler satisfies both api.Scheduler and api.Executor at once.
func (s *Scheduler) Submit(task func()) error { return s.Schedule(task) }

// ScheduleFiber enqueues an existing fiber. The caller retains ownership
// and may Reset and reschedule it after it terminates.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber) error {
	return s.scheduleFiber(f, false, AnyWorker)
}

func (s *Scheduler) scheduleFiber(f *fiber.Fiber, ephemeral bool, preferred int) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	t := task{f: f, ephemeral: ephemeral, preferred: preferred}
	wq, pinned := s.workerQueues[preferred]
	if preferred != AnyWorker && pinned {
		wq.Add(t)
	} else {
		s.q.Add(t)
	}
	s.activeFibers++
	s.mu.Unlock()
	if preferred != AnyWorker && pinned {
		// The task must be seen by that specific worker; Signal could pick
		// any other waiter and leave the pinned worker asleep.
		s.cond.Broadcast()
	} else {
		s.cond.Signal()
	}
	return nil
}

// ScheduleBatch enqueues every function in fns as its own ephemeral fiber
// on the shared queue, then wakes every waiting worker with one broadcast.
func (s *Scheduler) ScheduleBatch(fns []func()) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	for _, fn := range fns {
		s.q.Add(task{f: fiber.New(fn, 0), ephemeral: true, preferred: AnyWorker})
	}
	s.activeFibers += len(fns)
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Pending reports how many fibers are enqueued or currently executing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFibers
}

// Stop signals every worker to exit once the queue drains and blocks until
// they have. Already-enqueued tasks still run; nothing new may be
// scheduled after Stop is called.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped.Store(true)
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

// Stopping reports whether Stop has been called. An Idler that also
// implements StopGate extends what "safe to exit" means beyond this bare
// flag; see readyToStop.
func (s *Scheduler) Stopping() bool { return s.stopped.Load() }

// readyToStop reports whether a worker finding the queue empty may exit.
// If the configured Idler implements StopGate, that veto is consulted so a
// component like an IOManager can keep workers alive until outstanding
// descriptor events and timers it owns have drained, rather than have Stop
// abandon fibers parked in HOLD on them.
func (s *Scheduler) readyToStop() bool {
	if g, ok := s.idler.(StopGate); ok {
		return g.Stopping()
	}
	return true
}

func (s *Scheduler) workerLoop(id int) {
	defer s.wg.Done()

	root := fiber.NewRoot()
	tls.Bind(&tls.Cell{Fiber: root, Scheduler: s, WorkerID: id, IsWorker: true})
	defer tls.Unbind()

	for {
		t, ok := s.next(id)
		if !ok {
			return
		}
		s.runTask(t)
	}
}

// next pops the next task for worker id: its own pinned queue takes
// priority so pinned tasks stay in enqueue order and are never starved by
// the shared queue, which is drained next. A worker may only shrink-exit
// once both are empty, so a shrinking pool never orphans a pinned task.
func (s *Scheduler) next(id int) (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	own := s.workerQueues[id]
	for {
		if own != nil && own.Length() > 0 {
			t := own.Peek().(task)
			own.Remove()
			return t, true
		}
		if s.q.Length() > 0 {
			t := s.q.Peek().(task)
			s.q.Remove()
			return t, true
		}
		if s.stopped.Load() && s.readyToStop() {
			delete(s.workerQueues, id)
			return task{}, false
		}
		if !s.stopped.Load() && s.workers > s.target {
			s.workers--
			delete(s.workerQueues, id)
			return task{}, false
		}
		if s.idler != nil {
			s.mu.Unlock()
			s.idler.Idle()
			s.mu.Lock()
			if (own != nil && own.Length() > 0) || s.q.Length() > 0 || s.stopped.Load() {
				continue
			}
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) runTask(t task) {
	err := t.f.Resume()
	if err != nil {
		// A panicking fiber lands in EXCEPT; the scheduler swallows the
		// error here rather than crashing the worker, matching the
		// original design's tolerance for a single misbehaving fiber.
		_ = err
	}
	s.mu.Lock()
	s.activeFibers--
	s.mu.Unlock()

	switch t.f.State() {
	case fiber.StateHold, fiber.StateReady:
		if t.f.State() == fiber.StateReady {
			// Once Stop has been called this reschedule fails and the
			// READY fiber is dropped silently; the scheduler does not chase
			// down orphaned references.
			_ = s.scheduleFiber(t.f, t.ephemeral, t.preferred)
		}
		// HOLD fibers are re-armed by whoever put them on hold (e.g. the
		// IO manager registering a descriptor event), not by the
		// scheduler itself.
	case fiber.StateTerm, fiber.StateExcept:
		if t.ephemeral {
			// Nobody else holds a reference to reset this fiber, so its
			// parked trampoline goroutine would otherwise leak forever.
			t.f.Close()
		}
	}
}

// CurrentWorkerID returns the worker slot id of the calling goroutine and
// true, or (0, false) if the calling goroutine is not itself a scheduler
// worker root (e.g. an ephemeral fiber's own trampoline, or a goroutine
// with no bound Cell at all). Every fiber's entry runs on its own
// trampoline goroutine, whose Cell carries no worker slot, so a call made
// from inside a scheduled fiber reports (0, false); only code running
// directly on a worker root, such as an Idler's Idle, gets a slot id.
func CurrentWorkerID() (int, bool) {
	c := tls.Current()
	if c == nil || !c.IsWorker {
		return 0, false
	}
	return c.WorkerID, true
}

// GetThis returns the Scheduler bound to the calling goroutine, or nil.
func GetThis() *Scheduler {
	c := tls.Current()
	if c == nil {
		return nil
	}
	s, _ := c.Scheduler.(*Scheduler)
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }
