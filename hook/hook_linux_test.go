//go:build linux
// +build linux

package hook_test

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/iomgr"
)

func TestReadYieldsUntilDataArrives(t *testing.T) {
	m, err := iomgr.New("hook-read", 2)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()
	hook.Init(m)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	if err := m.Schedule(func() {
		buf := make([]byte, 16)
		n, err := hook.Read(r, buf)
		if err != nil {
			t.Errorf("hook.Read: %v", err)
		}
		got = string(buf[:n])
		wg.Done()
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := unix.Write(w, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook.Read never returned")
	}
	if got != "ping" {
		t.Fatalf("expected %q, got %q", "ping", got)
	}
	unix.Close(r)
}

func TestRecvTimeoutViaSetsockoptExpires(t *testing.T) {
	m, err := iomgr.New("hook-recvtimeo", 2)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()
	hook.Init(m)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)
	defer unix.Close(r)

	tv := unix.NsecToTimeval((50 * time.Millisecond).Nanoseconds())
	if err := hook.Setsockopt(r, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatalf("setsockopt: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	if err := m.Schedule(func() {
		buf := make([]byte, 16)
		_, readErr = hook.Read(r, buf)
		wg.Done()
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook.Read never returned")
	}
	if readErr != hook.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", readErr)
	}
}

func TestFcntlUserNonblockBypassesHook(t *testing.T) {
	m, err := iomgr.New("hook-fcntl", 2)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()
	hook.Init(m)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)
	defer unix.Close(r)

	if _, err := hook.Fcntl(r, unix.F_SETFL, unix.O_NONBLOCK); err != nil {
		t.Fatalf("fcntl: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var readErr error
	if err := m.Schedule(func() {
		buf := make([]byte, 16)
		_, readErr = hook.Read(r, buf)
		wg.Done()
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook.Read never returned")
	}
	if readErr != unix.EAGAIN {
		t.Fatalf("expected the raw EAGAIN of an unhooked non-blocking read, got %v", readErr)
	}
}

func TestSleepDoesNotBlockOtherFibers(t *testing.T) {
	m, err := iomgr.New("hook-sleep", 2)
	if err != nil {
		t.Fatalf("new IOManager: %v", err)
	}
	defer m.Stop()
	hook.Init(m)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	_ = m.Schedule(func() {
		_ = hook.Sleep(100 * time.Millisecond)
		mu.Lock()
		order = append(order, "slow")
		mu.Unlock()
		wg.Done()
	})
	_ = m.Schedule(func() {
		mu.Lock()
		order = append(order, "fast")
		mu.Unlock()
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fibers never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "fast" {
		t.Fatalf("expected fast fiber to finish first, got %v", order)
	}
}
