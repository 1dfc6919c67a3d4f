// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduler contract for fiber dispatch, satisfied by *sched.Scheduler and
// *iomgr.IOManager. Superseded from the original delay-based Schedule
// contract: fiber scheduling here is "run this whenever a worker is free",
// with actual delayed execution handled by timer.Manager instead of being
// folded into the scheduler interface itself.

package api

// Scheduler abstracts fiber dispatch over a pool of worker goroutines.
type Scheduler interface {
	// Schedule enqueues fn to run on some worker as a new fiber.
	Schedule(fn func()) error

	// Pending reports how many fibers are queued or currently executing.
	Pending() int

	// Stop drains the queue and waits for every worker to exit.
	Stop()
}
