//go:build linux
// +build linux

package iomgr_test

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/iomgr"
)

func TestAddEventFiresOnReadable(t *testing.T) {
	m, err := iomgr.New("test", 2)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)

	var wg sync.WaitGroup
	wg.Add(1)
	if err := m.AddEvent(r, iomgr.EventRead, func() {
		var buf [8]byte
		unix.Read(r, buf[:])
		wg.Done()
	}); err != nil {
		t.Fatalf("add event: %v", err)
	}

	if _, err := unix.Write(w, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read event never fired")
	}
	unix.Close(r)
}

func TestAddEventDuplicateRejected(t *testing.T) {
	m, err := iomgr.New("dup", 1)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	if err := m.AddEvent(fds[0], iomgr.EventRead, func() {}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.AddEvent(fds[0], iomgr.EventRead, func() {}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	m.CancelAll(fds[0])
	unix.Close(fds[0])
}

func TestDelEventRemovesWithoutFiring(t *testing.T) {
	m, err := iomgr.New("del", 1)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{})
	if err := m.AddEvent(fds[0], iomgr.EventRead, func() { close(fired) }); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if !m.DelEvent(fds[0], iomgr.EventRead) {
		t.Fatal("expected del to report a pending registration")
	}
	if m.DelEvent(fds[0], iomgr.EventRead) {
		t.Fatal("expected second del to report nothing pending")
	}
	if m.PendingEventCount() != 0 {
		t.Fatalf("expected zero pending events, got %d", m.PendingEventCount())
	}

	select {
	case <-fired:
		t.Fatal("DelEvent must not fire the callback")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelEventFiresImmediately(t *testing.T) {
	m, err := iomgr.New("cancel", 1)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{})
	if err := m.AddEvent(fds[0], iomgr.EventRead, func() { close(fired) }); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if !m.CancelEvent(fds[0], iomgr.EventRead) {
		t.Fatal("expected cancel to report a pending registration")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled event never fired")
	}
	if m.PendingEventCount() != 0 {
		t.Fatalf("expected zero pending events, got %d", m.PendingEventCount())
	}
}
