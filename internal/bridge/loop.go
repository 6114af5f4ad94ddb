// Package bridge serialises broker calls through one goroutine. Synchronous
// callers hand a function to the loop and block until it returns or their
// deadline passes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrTimeout is returned when a call does not complete before its
	// deadline.
	ErrTimeout = errors.New("bridge: call timed out")
	// ErrStopped is returned when the loop is not running.
	ErrStopped = errors.New("bridge: loop stopped")
)

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Loop runs submitted tasks one at a time.
type Loop struct {
	tasks chan task
	done  chan struct{}
	log   *slog.Logger
}

// NewLoop creates a loop whose queue holds up to depth pending tasks.
func NewLoop(depth int, log *slog.Logger) *Loop {
	if depth <= 0 {
		depth = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		tasks: make(chan task, depth),
		done:  make(chan struct{}),
		log:   log.With("component", "bridge"),
	}
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.tasks:
			if t.ctx.Err() != nil {
				// The caller has already given up.
				continue
			}
			t.fn(t.ctx)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

type result[T any] struct {
	val T
	err error
}

// Call schedules fn on the loop and blocks for its result. The context
// handed to fn expires a tenth of timeout before the caller's own deadline,
// so an adapter that honours it reports its timeout first.
func Call[T any](ctx context.Context, l *Loop, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	select {
	case <-l.done:
		return zero, ErrStopped
	default:
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	innerCtx, innerCancel := context.WithTimeout(callCtx, timeout-timeout/10)

	out := make(chan result[T], 1)
	t := task{ctx: innerCtx, fn: func(c context.Context) {
		defer innerCancel()
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("broker call panicked", "panic", r)
				out <- result[T]{err: fmt.Errorf("bridge: panic: %v", r)}
			}
		}()
		v, err := fn(c)
		out <- result[T]{val: v, err: err}
	}}

	select {
	case l.tasks <- t:
	case <-l.done:
		innerCancel()
		return zero, ErrStopped
	case <-callCtx.Done():
		innerCancel()
		return zero, deadlineErr(ctx, callCtx)
	}

	select {
	case r := <-out:
		return r.val, r.err
	case <-l.done:
		return zero, ErrStopped
	case <-callCtx.Done():
		return zero, deadlineErr(ctx, callCtx)
	}
}

func deadlineErr(parent, call context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return call.Err()
}
