package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLoopStopped is returned by Do after the loop has exited.
var ErrLoopStopped = errors.New("ui loop stopped")

type job struct {
	fn   func()
	done chan any
}

// Loop is the single UI-affine goroutine. Activation, deactivation and
// toolbar callbacks are all funneled through Do so they never interleave.
type Loop struct {
	logger *slog.Logger
	jobs   chan job

	startOnce sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger,
		jobs:    make(chan job),
		stopped: make(chan struct{}),
	}
}

// Start runs the loop until ctx is done. Calling Start more than once is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run(ctx)
	})
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-l.jobs:
			j.done <- l.exec(j.fn)
		}
	}
}

// exec runs fn and converts a panic into a returned value so that one
// misbehaving callback cannot take the loop down.
func (l *Loop) exec(fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ui loop job panicked", "panic", fmt.Sprint(r))
			recovered = r
		}
	}()
	fn()
	return nil
}

// Do runs fn on the loop goroutine and waits for it to finish. A panic inside
// fn is returned as an error.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan any, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	case l.jobs <- job{fn: fn, done: done}:
	}
	select {
	case r := <-done:
		if r != nil {
			return fmt.Errorf("panic on ui loop: %v", r)
		}
		return nil
	case <-l.stopped:
		// The job was accepted; the loop only exits between jobs.
		select {
		case r := <-done:
			if r != nil {
				return fmt.Errorf("panic on ui loop: %v", r)
			}
			return nil
		default:
			return ErrLoopStopped
		}
	}
}

// Post schedules fn without waiting. It is used for callbacks triggered by
// the chrome itself.
func (l *Loop) Post(fn func()) {
	go func() {
		select {
		case <-l.stopped:
		case l.jobs <- job{fn: fn, done: make(chan any, 1)}:
		}
	}()
}
