// Package eventual provides a settle-once future used to compose downloader
// hooks without blocking the caller.
//
// A Future is pending until Resolve or Reject is called; after that its value
// and error never change. Continuations registered with OnComplete run exactly
// once, inline if the future has already settled or on the settling goroutine
// otherwise.
package eventual

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrNilRejection replaces a nil error passed to Reject.
var ErrNilRejection = errors.New("eventual: rejected with nil error")

// Pending is implemented by every *Future regardless of its type parameter,
// which lets the adapter accept futures of any result type.
type Pending interface {
	Subscribe(fn func(value any, err error))
}

// Future is a value available now or later.
type Future[T any] struct {
	mu      sync.Mutex
	settled bool
	value   T
	err     error
	waiters []func(T, error)
	done    chan struct{}
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports false if the future was
// already settled.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. It reports false if the future was
// already settled.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = ErrNilRejection
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	waiters := f.waiters
	f.waiters = nil
	close(f.done)
	f.mu.Unlock()

	for _, w := range waiters {
		w(v, err)
	}
	return true
}

// OnComplete registers fn to run once the future settles.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.waiters = append(f.waiters, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Subscribe implements Pending. A nil future reports its zero value.
func (f *Future[T]) Subscribe(fn func(any, error)) {
	if f == nil {
		var zero T
		fn(zero, nil)
		return
	}
	f.OnComplete(func(v T, err error) {
		fn(v, err)
	})
}

// Peek returns the settled value and error. ok is false while pending.
func (f *Future[T]) Peek() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.settled
}

// Done is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. It is meant for the
// edges of the system (workers, tests); pipeline code composes with Then.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Peek()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then chains fn onto f. The returned future settles with whatever the future
// produced by fn settles with. A panic in fn rejects the result.
func Then[T, U any](f *Future[T], fn func(T, error) *Future[U]) *Future[U] {
	out := New[U]()
	f.OnComplete(func(v T, err error) {
		next, perr := callThen(fn, v, err)
		if perr != nil {
			out.Reject(perr)
			return
		}
		if next == nil {
			var zero U
			out.Resolve(zero)
			return
		}
		next.OnComplete(func(u U, err error) {
			out.settle(u, err)
		})
	})
	return out
}

func callThen[T, U any](fn func(T, error) *Future[U], v T, err error) (next *Future[U], perr error) {
	defer func() {
		if p := recover(); p != nil {
			perr = NewPanicError(p)
		}
	}()
	return fn(v, err), nil
}

// Go runs fn on its own goroutine and settles the returned future with its
// result. A panic inside fn becomes a *PanicError.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				f.Reject(NewPanicError(p))
			}
		}()
		v, err := fn(ctx)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

// NewPanicError captures the current stack alongside p.
func NewPanicError(p any) *PanicError {
	return &PanicError{Value: p, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
