//go:build !linux
// +build !linux

// File: iomgr/fdcontext_stub.go
// Author: momentics <momentics@gmail.com>
package iomgr

// ensureInit is a no-op on platforms without a poller backend (see
// poller_stub.go): New already fails with ErrNoPoller before any
// descriptor is ever registered, so no FdContext here is consulted by an
// actual do_io retry loop.
func (c *FdContext) ensureInit() {
	c.mu.Lock()
	c.inited = true
	c.mu.Unlock()
}
