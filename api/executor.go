// Package api
// Author: momentics <momentics@gmail.com>
//
// Executor contract for resizable worker pools, satisfied by
// *sched.Scheduler.

package api

// Executor abstracts a resizable pool of worker goroutines.
type Executor interface {
	// Submit schedules task for execution.
	Submit(task func()) error

	// NumWorkers returns the current number of active worker goroutines.
	NumWorkers() int

	// Resize adjusts the pool's worker count at runtime.
	Resize(newCount int)
}
