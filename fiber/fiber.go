// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
//
// Fiber implements a stackful-coroutine abstraction on top of a goroutine
// dedicated for the fiber's entire lifetime. The original design (a C++
// ucontext-based swapcontext) has no public equivalent in Go, so each Fiber
// owns one goroutine that blocks on a channel between resumes instead of
// swapping a real stack.
package fiber

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/momentics/fiberd/internal/debugassert"
	"github.com/momentics/fiberd/internal/tls"
)

// State is the lifecycle state of a Fiber.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidState is returned when an operation is attempted from a state
// that does not permit it (e.g. Resume on a TERM fiber).
var ErrInvalidState = errors.New("fiber: invalid state for operation")

var nextID uint64

// Fiber is a cooperatively-scheduled unit of execution multiplexed onto a
// dedicated goroutine. A Fiber is not safe for concurrent Resume calls from
// more than one goroutine at a time.
type Fiber struct {
	id    uint64
	entry func()
	root  bool

	state atomic.Int32

	resumeCh chan struct{}
	doneCh   chan struct{}
	closeCh  chan struct{}

	started atomic.Bool
	closed  atomic.Bool
	err     error
}

// New creates a Fiber that will run entry when first resumed. stackSize is
// accepted for interface parity with the stack-sizing knob of the original
// design; Go goroutine stacks grow on demand and the value is otherwise
// unused.
func New(entry func(), stackSize uint32) *Fiber {
	_ = stackSize
	f := &Fiber{
		id:       atomic.AddUint64(&nextID, 1),
		entry:    entry,
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
	f.state.Store(int32(StateInit))
	return f
}

// NewRoot wraps the calling goroutine itself as a root fiber, representing
// the scheduling context a worker returns to between tasks. A root fiber
// has no trampoline of its own; Resume/Yield on it only update bookkeeping.
// The caller must Bind the returned Fiber via internal/tls itself.
func NewRoot() *Fiber {
	f := &Fiber{
		id:   atomic.AddUint64(&nextID, 1),
		root: true,
	}
	f.state.Store(int32(StateExec))
	return f
}

// ID returns the fiber's unique, process-lifetime identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Current returns the Fiber bound to the calling goroutine, or nil if the
// goroutine never called Bind (i.e. is not a fiber trampoline or a
// scheduler worker root).
func Current() *Fiber {
	c := tls.Current()
	if c == nil {
		return nil
	}
	fb, _ := c.Fiber.(*Fiber)
	return fb
}

// Reset rebinds a TERM, EXCEPT or INIT fiber to a new entry point so its
// goroutine and channels can be reused instead of discarded. It is illegal
// to Reset a fiber that is currently EXEC, HOLD or READY.
func (f *Fiber) Reset(entry func()) error {
	switch f.State() {
	case StateTerm, StateExcept, StateInit:
	default:
		return fmt.Errorf("%w: cannot reset from %s", ErrInvalidState, f.State())
	}
	f.entry = entry
	f.err = nil
	f.state.Store(int32(StateInit))
	return nil
}

// Resume transfers control to the fiber. It blocks the calling goroutine
// until the fiber yields (HOLD), completes (TERM) or panics (EXCEPT).
func (f *Fiber) Resume() error {
	if f.root {
		return fmt.Errorf("%w: cannot resume a root fiber", ErrInvalidState)
	}
	switch f.State() {
	case StateInit, StateReady, StateHold:
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, f.State())
	}

	callerCell := tls.Current()
	f.state.Store(int32(StateExec))

	if f.started.CompareAndSwap(false, true) {
		go f.trampoline()
	}

	f.resumeCh <- struct{}{}
	<-f.doneCh

	if callerCell != nil {
		tls.Bind(callerCell)
	}
	return f.err
}

// trampoline is the body of the dedicated goroutine backing a non-root
// fiber. It parks between runs so Reset can hand it a new entry without
// spawning a new goroutine, recovering panics into the EXCEPT state rather
// than crashing the process. It only exits once Close is called; a
// terminated fiber nobody resets or closes leaves its goroutine parked on
// resumeCh, which is why the scheduler closes ephemeral fibers itself.
func (f *Fiber) trampoline() {
	for {
		select {
		case <-f.closeCh:
			tls.Unbind()
			return
		case <-f.resumeCh:
		}

		debugassert.Assert(f.State() == StateExec, "trampoline resumed a fiber not in EXEC")
		tls.Bind(&tls.Cell{Fiber: f})
		f.runOnce()
		tls.Unbind()
		f.doneCh <- struct{}{}
	}
}

// Close permanently retires the fiber's dedicated goroutine. It is only
// meaningful once the fiber has reached TERM or EXCEPT; calling it on a
// running or reusable fiber is a caller error and is ignored.
func (f *Fiber) Close() {
	if f.root || !f.started.Load() {
		return
	}
	switch f.State() {
	case StateTerm, StateExcept:
	default:
		return
	}
	if f.closed.CompareAndSwap(false, true) {
		f.closeCh <- struct{}{}
	}
}

func (f *Fiber) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("fiber %d panic: %v", f.id, r)
			f.state.Store(int32(StateExcept))
		}
	}()
	f.entry()
	if f.State() == StateExec {
		f.state.Store(int32(StateTerm))
	}
}

// yield is the shared body of YieldToHold and YieldToReady: it stores the
// requested resting state on the calling fiber and hands control back to
// whoever called Resume, blocking until Resume is called again.
func yield(to State) {
	f := Current()
	if f == nil || f.root {
		return
	}
	f.state.Store(int32(to))
	f.doneCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(StateExec))
}

// YieldToHold suspends the calling fiber in the HOLD state. A HOLD fiber is
// expected to be resumed again explicitly by whoever is holding it (e.g. an
// IO manager waiting on a descriptor event).
func YieldToHold() { yield(StateHold) }

// YieldToReady suspends the calling fiber in the READY state, signalling
// that it merely wants to give another runnable fiber a turn and expects to
// be rescheduled promptly.
func YieldToReady() { yield(StateReady) }
