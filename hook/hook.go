// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
//
// Package hook re-creates sylar::hook's effect without its mechanism. The
// original intercepted libc calls process-wide via dlsym(RTLD_NEXT, ...);
// Go has no equivalent symbol-interposition hook, so this package instead
// exposes an explicit non-blocking-IO call surface that fiber code calls
// directly in place of the blocking net/syscall primitives, coordinating
// with an IOManager exactly the way do_io coordinated with the original's
// event loop: try the syscall, and on EAGAIN register interest, arm a
// timeout, yield, and retry once the fiber is resumed.
package hook

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/iomgr"
	"github.com/momentics/fiberd/internal/tls"
	"github.com/momentics/fiberd/timer"
)

// ErrTimeout is returned when an IO operation's configured timeout elapses
// before the descriptor becomes ready.
var ErrTimeout = errors.New("hook: operation timed out")

// ErrNotHooked is returned by Connect (after EINPROGRESS) and Sleep when
// called from a goroutine that is not running as a fiber under a wired
// IOManager, since there is nothing to yield to. Read, Write, Recvfrom,
// Sendto and Accept do not return it; in that situation they make the raw
// syscall instead.
var ErrNotHooked = errors.New("hook: not running inside a scheduled fiber")

var connectTimeoutMS = config.Lookup(config.Default, "tcp.connect.timeout", int64(5000), "default connect() timeout in milliseconds")

var (
	mgrMu sync.RWMutex
	mgr   *iomgr.IOManager
)

// Init wires the IOManager that hooked calls register descriptor interest
// against. It must be called once during process startup before any
// hooked call runs.
func Init(m *iomgr.IOManager) {
	mgrMu.Lock()
	mgr = m
	mgrMu.Unlock()
}

func manager() *iomgr.IOManager {
	mgrMu.RLock()
	defer mgrMu.RUnlock()
	return mgr
}

// Enabled reports whether hooking is active for the calling goroutine. The
// hook call surface is already an explicit opt-in — a fiber calls
// hook.Read instead of unix.Read — so unlike the original's thread-local
// hook_enable (which defaults false because it silently intercepts every
// libc call on the thread), the zero value here means enabled; SetEnabled
// exists for a fiber that needs to temporarily fall back to a raw blocking
// syscall on itself.
func Enabled() bool {
	c := tls.Current()
	return c == nil || !c.HookDisabled
}

// SetEnabled toggles hooking for the calling goroutine.
func SetEnabled(v bool) {
	c := tls.Current()
	if c == nil {
		c = &tls.Cell{}
		tls.Bind(c)
	}
	c.HookDisabled = !v
}

// doIO mirrors do_io's template: bypass hooking entirely (call op raw,
// retrying only on EINTR) when no IOManager is wired, hooking is disabled,
// fd is not a socket, the caller itself asked for non-blocking semantics on
// fd, or the caller is not running as a fiber; otherwise retry op, skipping
// past EINTR, and on EAGAIN arm a plain timer for et's configured deadline
// (from the FdContext, i.e. whatever Setsockopt last stored for
// SO_RCVTIMEO/SO_SNDTIMEO), register fd for et, and yield until resumed.
func doIO(fd int, et iomgr.EventType, op func() (int, error)) (int, error) {
	m := manager()
	if m == nil || !Enabled() {
		return rawRetry(op)
	}
	fc := m.FdContext(fd)
	if !fc.IsSocket() || fc.UserNonblock() {
		return rawRetry(op)
	}
	f := fiber.Current()
	if f == nil {
		return rawRetry(op)
	}
	timeoutMS := fc.Timeout(et)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		var to *timer.Timer
		timedOut := false
		if timeoutMS > 0 {
			to = m.Timers().Add(time.Duration(timeoutMS)*time.Millisecond, false, func() {
				timedOut = true
				m.CancelEvent(fd, et)
			})
		}

		if regErr := m.AddEventFiber(fd, et, f); regErr != nil {
			if to != nil {
				to.Cancel(m.Timers())
			}
			return 0, regErr
		}

		fiber.YieldToHold()

		if to != nil {
			to.Cancel(m.Timers())
		}
		if timedOut {
			return 0, ErrTimeout
		}
	}
}

// rawRetry runs op without any hooking, still skipping EINTR the way a
// blocking caller would expect libc's retry wrappers to.
func rawRetry(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err != unix.EINTR {
			return n, err
		}
	}
}

// Read behaves like unix.Read but yields the calling fiber instead of
// blocking the OS thread while fd is not yet readable.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, iomgr.EventRead, func() (int, error) { return unix.Read(fd, p) })
}

// Write behaves like unix.Write but yields while fd is not yet writable.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, iomgr.EventWrite, func() (int, error) { return unix.Write(fd, p) })
}

// Recvfrom behaves like unix.Recvfrom but yields while fd is not readable.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var n int
	var from unix.Sockaddr
	_, err := doIO(fd, iomgr.EventRead, func() (int, error) {
		var e error
		n, from, e = unix.Recvfrom(fd, p, flags)
		return n, e
	})
	return n, from, err
}

// Sendto behaves like unix.Sendto but yields while fd is not writable.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) error {
	_, err := doIO(fd, iomgr.EventWrite, func() (int, error) {
		return 0, unix.Sendto(fd, p, flags, to)
	})
	return err
}

// Accept behaves like unix.Accept but yields while the listener has no
// pending connection.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := doIO(fd, iomgr.EventRead, func() (int, error) {
		var e error
		nfd, sa, e = unix.Accept(fd)
		return nfd, e
	})
	return nfd, sa, err
}

// Connect behaves like unix.Connect but yields until the socket is
// writable or the connect timeout (tcp.connect.timeout, default 5s)
// elapses, then reads SO_ERROR to distinguish success from failure,
// exactly as connect_with_timeout does.
func Connect(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	m := manager()
	if m == nil {
		return ErrNotHooked
	}
	f := fiber.Current()
	if f == nil {
		return ErrNotHooked
	}

	timedOut := false
	to := m.Timers().Add(time.Duration(connectTimeoutMS.Get())*time.Millisecond, false, func() {
		timedOut = true
		m.CancelEvent(fd, iomgr.EventWrite)
	})
	if regErr := m.AddEventFiber(fd, iomgr.EventWrite, f); regErr != nil {
		to.Cancel(m.Timers())
		return regErr
	}
	fiber.YieldToHold()
	to.Cancel(m.Timers())
	if timedOut {
		return ErrTimeout
	}

	soErr, gErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gErr != nil {
		return gErr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Sleep yields the calling fiber for d without blocking its worker thread.
func Sleep(d time.Duration) error {
	m := manager()
	if m == nil {
		return ErrNotHooked
	}
	f := fiber.Current()
	if f == nil {
		return ErrNotHooked
	}
	m.Timers().Add(d, false, func() {
		_ = m.Schedule(func() { _ = f.Resume() })
	})
	fiber.YieldToHold()
	return nil
}

// Close cancels every pending registration on fd before closing it, so
// blocked fibers do not wait forever on a descriptor that no longer exists.
func Close(fd int) error {
	if m := manager(); m != nil {
		m.CancelAll(fd)
	}
	return unix.Close(fd)
}

// SetNonblock sets or clears O_NONBLOCK on fd at the kernel level, exactly
// as nonblocking says. It does not touch the FdContext's user-nonblock
// record; Fcntl and Ioctl are the calls that track that.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// Socket creates a socket and eagerly initializes its FdContext, matching
// the original hook's socket() wrapper which registers the new fd with
// FdMgr before returning it to the caller.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if m := manager(); m != nil {
		m.FdContext(fd)
	}
	return fd, nil
}

// Fcntl mirrors fcntl(2)'s F_SETFL/F_GETFL handling of O_NONBLOCK: on a
// hooked socket it records the caller's own non-blocking preference
// separately from the O_NONBLOCK forced at the system level, and reports
// back whichever the caller last asked for on F_GETFL, so a program that
// probes its own fd flags does not observe the hook's internal state.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	m := manager()
	switch cmd {
	case unix.F_SETFL:
		if m != nil {
			fc := m.FdContext(fd)
			if fc.IsSocket() {
				fc.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
				if fc.SystemNonblock() {
					arg |= unix.O_NONBLOCK
				}
			}
		}
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	case unix.F_GETFL:
		n, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, arg)
		if err != nil {
			return 0, err
		}
		if m != nil {
			fc := m.FdContext(fd)
			if fc.IsSocket() && fc.SystemNonblock() {
				if fc.UserNonblock() {
					n |= unix.O_NONBLOCK
				} else {
					n &^= unix.O_NONBLOCK
				}
			}
		}
		return n, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl mirrors ioctl(2)'s FIONBIO request, the socket-level equivalent of
// Fcntl's O_NONBLOCK toggle: it updates the same user-nonblock bit Fcntl
// does instead of touching the fd's real flags, since the fd stays forced
// non-blocking at the system level for as long as it is hooked. Any other
// request passes through unchanged.
func Ioctl(fd int, req uint, nonblocking int) error {
	if req == unix.FIONBIO {
		if m := manager(); m != nil {
			fc := m.FdContext(fd)
			if fc.IsSocket() {
				fc.SetUserNonblock(nonblocking != 0)
				return nil
			}
		}
	}
	return unix.IoctlSetInt(fd, req, nonblocking)
}

// Setsockopt intercepts SO_RCVTIMEO/SO_SNDTIMEO on a hooked socket and
// stores the requested deadline on its FdContext, then still passes the
// option on to setsockopt(2). A hooked read or write never actually blocks
// in the kernel long enough for the kernel's own timeout to fire, so doIO
// enforces the stored value on the next call through
// Read/Write/Recvfrom/Sendto/Accept. Every other option passes through to
// setsockopt(2) unchanged.
func Setsockopt(fd, level, opt int, tv *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if m := manager(); m != nil {
			fc := m.FdContext(fd)
			ms := tv.Sec*1000 + int64(tv.Usec)/1000
			et := iomgr.EventRead
			if opt == unix.SO_SNDTIMEO {
				et = iomgr.EventWrite
			}
			fc.SetTimeout(et, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}
