//go:build !linux
// +build !linux

// File: iomgr/poller_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub poller for platforms other than Linux, mirroring the original
// reactor package's stub behavior: this module targets epoll-based
// readiness multiplexing and does not attempt an IOCP or kqueue backend.
package iomgr

func newPoller() (poller, error) {
	return nil, ErrNoPoller
}
