// Package tls provides goroutine-local storage.
//
// The scheduler core mirrors a C++ design built on thread-local globals:
// "current fiber", "current scheduler" and "hooks enabled" must be
// reachable from deep inside arbitrary call stacks without threading a
// context parameter through every function. Go exposes no public API for
// per-goroutine storage, but every worker root and every fiber in this
// module owns exactly one dedicated goroutine for its entire lifetime, so
// the goroutine's runtime id is a stable key for the same purpose.
package tls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Cell holds the ambient state associated with one goroutine (a worker
// root or a fiber's trampoline).
type Cell struct {
	Fiber     any // *fiber.Fiber; typed as any to avoid an import cycle
	Scheduler any // *sched.Scheduler

	// HookDisabled mirrors the original's thread-local hook_enable flag,
	// inverted: the hook package's call surface is already an explicit
	// opt-in (a fiber calls hook.Read instead of a blocking primitive), so
	// the zero value means hooking is active rather than requiring a
	// second explicit enable call on top of that choice. Set true to fall
	// back to raw blocking syscalls on this goroutine.
	HookDisabled bool

	// WorkerID and IsWorker identify a scheduler worker root's slot, used
	// by sched.CurrentWorkerID so a fiber can pin its continuation to the
	// worker it is currently running on.
	WorkerID int
	IsWorker bool
}

var (
	mu    sync.RWMutex
	cells = make(map[int64]*Cell)
)

// goid extracts the calling goroutine's runtime id by parsing the header
// line of a stack trace. This is the same trick used by several
// goroutine-local-storage shims in the wild; it is slow relative to a
// field access, so callers should cache the *Cell they get back rather
// than calling Current repeatedly in a hot loop.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// Bind associates a Cell with the calling goroutine until Unbind is called
// or Bind is called again. A worker root loop binds once for its lifetime;
// a fiber trampoline binds at the start of every run and unbinds at its
// end, and Fiber.Resume re-binds its caller's Cell after each resume.
func Bind(c *Cell) {
	id := goid()
	mu.Lock()
	cells[id] = c
	mu.Unlock()
}

// Unbind removes the calling goroutine's Cell, e.g. when a fiber's
// trampoline exits for good.
func Unbind() {
	id := goid()
	mu.Lock()
	delete(cells, id)
	mu.Unlock()
}

// Current returns the calling goroutine's Cell, or nil if none is bound.
func Current() *Cell {
	id := goid()
	mu.RLock()
	c := cells[id]
	mu.RUnlock()
	return c
}
