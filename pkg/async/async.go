package async

import (
	"context"
	"sync"
	"time"
)

// Future holds the eventual result of a computation.
type Future[U any] struct {
	result U
	err    error
	done   chan struct{}
}

// Await blocks until the computation completes.
func (f *Future[U]) Await() (U, error) {
	<-f.done
	return f.result, f.err
}

// AwaitContext blocks until completion or until ctx ends.
func (f *Future[U]) AwaitContext(ctx context.Context) (U, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero U
		return zero, ctx.Err()
	}
}

// AwaitWithTimeout returns ErrTimeout if the computation is still running
// after timeout.
func (f *Future[U]) AwaitWithTimeout(timeout time.Duration) (U, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.result, f.err
	case <-t.C:
		var zero U
		return zero, ErrTimeout
	}
}

func (f *Future[U]) Done() <-chan struct{} { return f.done }

// Go runs fn(ctx, param) in a new goroutine. A context that is already done
// short-circuits with ctx.Err().
func Go[T, U any](ctx context.Context, param T, fn func(context.Context, T) (U, error)) *Future[U] {
	f := &Future[U]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.result, f.err = fn(ctx, param)
	}()
	return f
}

// Result is the outcome of one settled computation.
type Result[T, U any] struct {
	Input T
	Value U
	Err   error
}

// Settle waits for every future and returns outcomes in input order.
func Settle[U any](futures ...*Future[U]) []Result[int, U] {
	out := make([]Result[int, U], len(futures))
	for i, f := range futures {
		v, err := f.Await()
		out[i] = Result[int, U]{Input: i, Value: v, Err: err}
	}
	return out
}

// Map applies fn to every item with at most limit calls in flight and returns
// outcomes in input order. limit <= 0 means one goroutine per item.
func Map[T, U any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (U, error)) []Result[T, U] {
	out := make([]Result[T, U], len(items))
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	sem := make(chan struct{}, max(limit, 1))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out[i].Input = item
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return
			}
			out[i].Value, out[i].Err = fn(ctx, item)
		}()
	}
	wg.Wait()
	return out
}
