// Package sync provides the synchronization primitives that are usable before
// the Go scheduler is running.
package sync

import "sync/atomic"

const (
	// attemptsBeforeYielding bounds the busy-wait loop before yieldFn
	// gets a chance to run.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked after attemptsBeforeYielding failed attempts to
	// acquire a lock. It is nil until the kernel gains a scheduler.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked lock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !l.TryToAcquire(); attempt++ {
		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
