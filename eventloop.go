// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventLoop serializes the execution of all connection and timer callbacks.
//
// Exactly one goroutine runs [*EventLoop.Run]. Transport goroutines and
// timer backends never invoke connection hooks directly: they [*EventLoop.Post]
// a task, and the loop runs tasks one at a time in the order they were posted.
// Objects owned by the loop ([*TCPConnection], [*UDPConnection], [*Timer], ...)
// must therefore only be touched from tasks running on the loop; use
// [*EventLoop.Sync] to do that from another goroutine.
//
// Construct using [NewEventLoop].
type EventLoop struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewEventLoop] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewEventLoop] from [Config.TimeNow].
	TimeNow func() time.Time

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

// NewEventLoop returns a new, not yet running, [*EventLoop].
func NewEventLoop(cfg *Config, logger SLogger) *EventLoop {
	return &EventLoop{
		Logger:  logger,
		TimeNow: cfg.TimeNow,
		wake:    make(chan struct{}, 1),
	}
}

// Post appends fn to the task queue. It is safe to call from any goroutine,
// including from a task running on the loop, and never blocks.
//
// Returns false, without queueing, once the loop has stopped.
func (l *EventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted tasks until ctx is done, then marks the loop as
// stopped, drops pending tasks, and returns ctx.Err().
func (l *EventLoop) Run(ctx context.Context) error {
	t0 := l.TimeNow()
	l.Logger.Info("eventLoopStart", slog.Time("t", t0))
	for {
		l.runPending()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			l.Logger.Info(
				"eventLoopDone",
				slog.Any("err", ctx.Err()),
				slog.Int("droppedTasks", dropped),
				slog.Time("t0", t0),
				slog.Time("t", l.TimeNow()),
			)
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *EventLoop) runPending() {
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(tasks) <= 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

// Sync posts fn and waits until it has run on the loop.
//
// Returns [ErrLoopStopped] if the loop stopped before running fn, or
// ctx.Err() if ctx is done first. Calling Sync from a task running on the
// loop deadlocks until ctx is done.
func (l *EventLoop) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	posted := l.Post(func() {
		defer close(done)
		fn()
	})
	if !posted {
		return ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped returns whether [*EventLoop.Run] has returned.
func (l *EventLoop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
