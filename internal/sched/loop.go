package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/shellpulse/internal/logging"
)

// ErrLoopStopped is returned by Call when the loop is not running.
var ErrLoopStopped = errors.New("sched: loop stopped")

var loopLog = logging.ForComponent(logging.CompSession)

// Loop is a single-goroutine actor. Every posted function runs on the loop
// goroutine in FIFO order, so state owned by the loop needs no locking.
// The queue is unbounded: producers never block, and a callback may post to
// its own loop.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	running atomic.Bool
	done    chan struct{}
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues f. It returns false if the loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs f on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run f just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted functions until ctx is cancelled. Functions still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("sched: loop already running")
	}
	defer func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		if dropped > 0 {
			loopLog.Debug("loop_stopped_with_pending", slog.Int("dropped", dropped))
		}
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, f := range batch {
			if ctx.Err() != nil {
				return nil
			}
			l.invoke(f)
			batch[i] = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			loopLog.Error("loop_callback_panic", slog.Any("panic", r))
		}
	}()
	f()
}

// Bind returns a Scheduler that takes time from inner but delivers every
// callback on the loop goroutine. A callback whose timer was stopped after it
// fired but before the loop reached it is skipped, so Stop called on the loop
// is final.
func (l *Loop) Bind(inner Scheduler) Scheduler {
	return &boundScheduler{loop: l, inner: inner}
}

type boundScheduler struct {
	loop  *Loop
	inner Scheduler
}

func (b *boundScheduler) Now() time.Time { return b.inner.Now() }

func (b *boundScheduler) AfterFunc(d time.Duration, f func()) Timer {
	bt := &boundTimer{}
	bt.inner = b.inner.AfterFunc(d, func() {
		b.loop.Post(func() {
			if bt.stopped.Load() {
				return
			}
			bt.stopped.Store(true)
			f()
		})
	})
	return bt
}

func (b *boundScheduler) Every(d time.Duration, f func()) Timer {
	bt := &boundTimer{}
	bt.inner = b.inner.Every(d, func() {
		b.loop.Post(func() {
			if bt.stopped.Load() {
				return
			}
			f()
		})
	})
	return bt
}

type boundTimer struct {
	inner   Timer
	stopped atomic.Bool
}

func (t *boundTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.inner.Stop()
	return true
}
