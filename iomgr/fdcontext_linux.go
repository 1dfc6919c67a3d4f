//go:build linux
// +build linux

// File: iomgr/fdcontext_linux.go
// Author: momentics <momentics@gmail.com>
package iomgr

import "golang.org/x/sys/unix"

// ensureInit performs FdCtx::init()'s lazy detection exactly once per
// descriptor: fstat to tell a socket from a regular file or pipe, then, for
// sockets only, force O_NONBLOCK at the system level so do_io's EAGAIN/retry
// loop has something to retry on regardless of what the caller later asks
// Fcntl/Ioctl for.
func (c *FdContext) ensureInit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		return
	}
	c.inited = true

	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}

	// userNonblock tracks only what a caller explicitly asks for through
	// Fcntl/Ioctl from here on; it starts false regardless of whatever
	// flags fd already carried; a fd created with SOCK_NONBLOCK, for
	// instance, is still hooked until the caller asks otherwise.
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_ = unix.SetNonblock(c.fd, true)
	}
	c.systemNonblock = true
}
