// Package thread pins the calling goroutine to its own OS thread for
// the lifetime of a blocking I/O loop. Adapted from the teacher's
// Realtime helper (originally also setting SCHED_RR realtime priority
// via SYS_SCHED_SETSCHEDULER); the scheduling-class syscall is dropped
// here since nothing in this domain needs realtime priority, only the
// guarantee that a goroutine blocked in a serial-port read stays on the
// same kernel thread for the duration of that read.
package thread

import "runtime"

// Pin locks the calling goroutine to its own OS thread. Callers that
// run a long-lived blocking read/write loop should call this once at
// the top of the loop's goroutine.
func Pin() {
	runtime.LockOSThread()
}
