// Package sched provides the scheduled-callback capability the output
// pipeline is built on: cancellable one-shot and repeating timers behind a
// small interface, a real-time implementation, a manual clock for tests, and
// a single-goroutine Loop that serializes every callback.
package sched

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped a
	// pending run. Stopping an already stopped timer is a no-op.
	Stop() bool
}

// Scheduler creates timers and reports the current time.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f once after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d until the returned timer is stopped.
	Every(d time.Duration, f func()) Timer
}

// Real is the wall-clock Scheduler. Callbacks run on their own goroutines;
// wrap it with Loop.Bind to serialize them.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (Real) Every(d time.Duration, f func()) Timer {
	rt := &repeatingTimer{}
	var arm func()
	arm = func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.stopped {
			return
		}
		rt.t = time.AfterFunc(d, func() {
			f()
			arm()
		})
	}
	arm()
	return rt
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

type repeatingTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (r *repeatingTimer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.t != nil {
		r.t.Stop()
	}
	return true
}

// Stop stops t if it is non-nil.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
