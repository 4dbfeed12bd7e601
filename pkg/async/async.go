// Package async provides a minimal future primitive for operations that are
// kicked off in the background and observed later, such as asynchronous flag
// reads and fire-and-forget exposure tracking.
package async

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by AwaitWithTimeout when the deadline passes first.
var ErrTimeout = errors.New("async operation timed out")

// Future is the handle to an in-flight computation.
type Future[T any] struct {
	result T
	err    error
	done   chan struct{}
}

// Go runs fn in a new goroutine and returns its Future. A pre-canceled
// context resolves the future with the context error without invoking fn.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.result, f.err = fn(ctx)
	}()

	return f
}

// Await blocks until the computation completes.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.result, f.err
}

// AwaitWithTimeout blocks until completion or the timeout, whichever comes
// first.
func (f *Future[T]) AwaitWithTimeout(d time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-time.After(d):
		var zero T
		return zero, ErrTimeout
	}
}

// Done reports completion without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Then invokes cb with the result once the computation completes, in the
// future's goroutine successor. Used to adapt future-style operations to
// callback-style call sites.
func (f *Future[T]) Then(cb func(T, error)) {
	if cb == nil {
		return
	}
	go func() {
		<-f.done
		cb(f.result, f.err)
	}()
}
