package qinet

import (
	"context"
	"sync"
	"time"
)

// Future is a settle-once handle to an asynchronous result, handed out at
// send time in place of the source system's bare waitForId (design note,
// spec.md §9: "consider replacing waitForId with a first-class
// future/promise"). A Future may be waited on by exactly one or many
// goroutines; Wait is safe to call concurrently and repeatedly once
// settled.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an unsettled Future and its Promise.
func NewFuture[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Promise is the write side of a Future. The first Resolve or Reject settles
// the Future; subsequent calls are no-ops.
type Promise[T any] struct {
	f    *Future[T]
	once sync.Once
}

// Resolve settles the future successfully.
func (p *Promise[T]) Resolve(v T) { p.settle(v, nil) }

// Reject settles the future with an error.
func (p *Promise[T]) Reject(err error) { var zero T; p.settle(zero, err) }

func (p *Promise[T]) settle(v T, err error) {
	p.once.Do(func() {
		p.f.value = v
		p.f.err = err
		close(p.f.done)
	})
}

// Wait blocks until the future settles or ctx is done, whichever comes
// first. A ctx error takes priority over an unsettled result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks up to d for the future to settle. Timing out does not
// cancel whatever produced the value; if it arrives later it is simply
// discarded by whoever dropped this Future (spec.md §5 Cancellation &
// timeout).
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Done returns a channel closed once the future settles, for use in select
// statements alongside other events.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsSettled reports whether the future has already resolved or rejected.
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
