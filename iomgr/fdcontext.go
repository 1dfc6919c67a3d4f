// File: iomgr/fdcontext.go
// Author: momentics <momentics@gmail.com>
//
// FdContext tracks the pending read/write registrations on one descriptor,
// mirroring sylar::FdContext/FdManager. Unlike the original's shared_ptr
// bookkeeping, ownership here is a plain map guarded by a mutex, since Go's
// GC removes the need for the original's use-count juggling.
package iomgr

import (
	"errors"
	"sync"

	"github.com/momentics/fiberd/fiber"
)

// EventType identifies which readiness condition a registration is for.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
)

// ErrEventAlreadyRegistered is returned by AddEvent when the same
// (fd, EventType) pair already has a pending registration.
var ErrEventAlreadyRegistered = errors.New("iomgr: event already registered on this descriptor")

// eventCtx bundles what runs when a registered event becomes ready: either
// a callback closure or a specific fiber to resume, exactly one of which is
// set.
type eventCtx struct {
	cb    func()
	f     *fiber.Fiber
	sched interface{ Schedule(func()) error }
}

func (e *eventCtx) fire() {
	if e.f != nil {
		f := e.f
		if e.sched != nil {
			_ = e.sched.Schedule(func() { _ = f.Resume() })
		} else {
			go func() { _ = f.Resume() }()
		}
		return
	}
	if e.cb != nil {
		if e.sched != nil {
			_ = e.sched.Schedule(e.cb)
		} else {
			go e.cb()
		}
	}
}

// FdContext holds the registrations pending on a single descriptor, plus
// the lazily-detected socket/nonblock/timeout state do_io consults before
// deciding whether to hook a call at all, mirroring sylar::FdCtx.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events EventType
	read   *eventCtx
	write  *eventCtx

	inited         bool
	isSocket       bool
	systemNonblock bool // O_NONBLOCK forced at the kernel level so retrying on EAGAIN works
	userNonblock   bool // O_NONBLOCK the caller itself asked for via Fcntl/Ioctl

	recvTimeoutMS int64 // SO_RCVTIMEO, 0 means no deadline
	sendTimeoutMS int64 // SO_SNDTIMEO, 0 means no deadline
}

// Fd returns the underlying file descriptor number.
func (c *FdContext) Fd() int { return c.fd }

// Events returns the currently-registered event mask.
func (c *FdContext) Events() EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// IsSocket reports whether fd was detected to be a socket.
func (c *FdContext) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SystemNonblock reports whether O_NONBLOCK has been forced on fd at the
// kernel level regardless of the caller's own preference.
func (c *FdContext) SystemNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemNonblock
}

// UserNonblock reports the non-blocking flag the caller itself last asked
// for via Fcntl(F_SETFL) or Ioctl(FIONBIO), independent of SystemNonblock.
func (c *FdContext) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the caller's own non-blocking preference.
func (c *FdContext) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// Timeout returns the SO_RCVTIMEO/SO_SNDTIMEO deadline in milliseconds set
// for et (EventRead maps to the receive timeout, EventWrite to the send
// timeout), or 0 if none was set.
func (c *FdContext) Timeout(et EventType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if et == EventWrite {
		return c.sendTimeoutMS
	}
	return c.recvTimeoutMS
}

// SetTimeout stores a SO_RCVTIMEO/SO_SNDTIMEO deadline in milliseconds for
// et, as set by Setsockopt.
func (c *FdContext) SetTimeout(et EventType, ms int64) {
	c.mu.Lock()
	if et == EventWrite {
		c.sendTimeoutMS = ms
	} else {
		c.recvTimeoutMS = ms
	}
	c.mu.Unlock()
}

// FdManager is a registry of FdContexts keyed by descriptor number, the Go
// analogue of sylar::FdManager.
type FdManager struct {
	mu  sync.RWMutex
	ctx map[int]*FdContext
}

// NewFdManager creates an empty FdManager.
func NewFdManager() *FdManager {
	return &FdManager{ctx: make(map[int]*FdContext)}
}

// GetOrCreate returns the FdContext for fd, creating it if this is the
// first time fd has been seen.
func (m *FdManager) GetOrCreate(fd int) *FdContext {
	m.mu.RLock()
	c, ok := m.ctx[fd]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.ctx[fd]; ok {
		return c
	}
	c = &FdContext{fd: fd}
	c.ensureInit()
	m.ctx[fd] = c
	return c
}

// Get returns the FdContext for fd if one exists, without creating it.
func (m *FdManager) Get(fd int) (*FdContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.ctx[fd]
	return c, ok
}

// Del removes fd's context entirely, e.g. once the descriptor is closed.
func (m *FdManager) Del(fd int) {
	m.mu.Lock()
	delete(m.ctx, fd)
	m.mu.Unlock()
}
