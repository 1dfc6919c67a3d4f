// File: cmd/fiberd/main.go
// Author: momentics <momentics@gmail.com>
//
// fiberd is a minimal TCP echo server demonstrating the fiber/scheduler/IO
// stack end to end: one fiber per accepted connection, all IO routed
// through the hook package instead of net.Conn, so a blocking-looking read
// loop actually yields the underlying goroutine back to the scheduler.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/control"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/iomgr"
	"github.com/momentics/fiberd/xlog"
)

func resolveTCP4(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To4())
	return sa, nil
}

var (
	listenAddr  = flag.String("addr", "127.0.0.1:9000", "address to listen on")
	workerCount = flag.Int("workers", 4, "number of scheduler worker goroutines")
)

func main() {
	flag.Parse()
	log := xlog.Get("fiberd")

	workers := config.Lookup(config.Default, "sched.workers", int64(*workerCount), "worker goroutine pool size")

	mgr, err := iomgr.New("fiberd", int(workers.Get()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create IO manager")
	}
	hook.Init(mgr)

	gauges := control.NewGauges()
	probes := control.NewProbes()
	control.BindRuntime("fiberd", gauges, probes, mgr, mgr.Timers())

	lfd, err := listen(*listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *listenAddr).Msg("failed to listen")
	}
	log.Info().Str("addr", *listenAddr).Int64("workers", workers.Get()).Msg("listening")

	if err := mgr.Schedule(func() { acceptLoop(mgr, lfd, log) }); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule accept loop")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	_ = hook.Close(lfd)
	mgr.Stop()
}

func listen(addr string) (int, error) {
	fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := resolveTCP4(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func acceptLoop(mgr *iomgr.IOManager, lfd int, log *xlog.Logger) {
	for {
		cfd, _, err := hook.Accept(lfd)
		if err != nil {
			if err == hook.ErrNotHooked {
				return
			}
			continue
		}
		conn := cfd
		if err := mgr.Schedule(func() { echo(conn, log) }); err != nil {
			_ = hook.Close(conn)
		}
	}
}

func echo(fd int, log *xlog.Logger) {
	defer hook.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := hook.Read(fd, buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := hook.Write(fd, buf[:n]); err != nil {
			log.Debug().Int("fd", fd).Err(err).Msg("write failed")
			return
		}
	}
}
