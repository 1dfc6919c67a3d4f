// File: iomgr/poller.go
// Author: momentics <momentics@gmail.com>
//
// poller is the readiness-multiplexer seam IOManager drives. The original
// reactor.Reactor abstraction (Register/Wait/Close, single opaque token per
// fd) does not carry enough information to tell a read-ready notification
// apart from a write-ready one, which the fiber-per-direction design here
// needs; poller is a richer interface grounded in the same shape but with
// a direction-aware readiness mask and a caller-supplied wait timeout so
// the idle loop can also service timers.
package iomgr

// ready describes one descriptor's readiness after a Wait call returns.
type ready struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
}

// poller is implemented per-platform (poller_linux.go's epoll backend,
// poller_stub.go's error stub for anything else).
type poller interface {
	// Add starts watching fd for the given directions.
	Add(fd int, read, write bool) error
	// Modify changes which directions fd is watched for.
	Modify(fd int, read, write bool) error
	// Remove stops watching fd entirely.
	Remove(fd int) error
	// Wait blocks up to timeoutMS (or forever if negative, or returns
	// immediately if zero) and appends ready descriptors to out.
	Wait(timeoutMS int64, out []ready) ([]ready, error)
	// Tickle interrupts a concurrent Wait call, used when a new deadline
	// or registration needs the idle loop to reconsider its timeout.
	Tickle() error
	// Close releases the underlying OS resources.
	Close() error
}
