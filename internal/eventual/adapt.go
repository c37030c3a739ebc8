package eventual

import "context"

// Routine is a suspension-style hook result: the adapter drives it on its own
// goroutine and the routine may block on whatever it awaits.
type Routine func(ctx context.Context) (any, error)

// Adapt normalises a hook's (value, error) return into a single future.
//
// An error yields a failed future. A Pending value is forwarded once it
// settles, a Routine (or plain func(context.Context) (any, error)) is run via
// Go, and anything else is wrapped as an already resolved value. Results that
// are themselves Pending or Routine values are adapted again, so nested
// futures flatten to their innermost value.
func Adapt(ctx context.Context, v any, err error) *Future[any] {
	if err != nil {
		return Failed[any](err)
	}
	switch x := v.(type) {
	case *Future[any]:
		if x == nil {
			return Resolved[any](nil)
		}
		return flatten(ctx, x)
	case Pending:
		out := New[any]()
		x.Subscribe(func(inner any, err error) {
			forward(Adapt(ctx, inner, err), out)
		})
		return out
	case Routine:
		return flatten(ctx, Go(ctx, x))
	case func(context.Context) (any, error):
		return flatten(ctx, Go(ctx, x))
	default:
		return Resolved(v)
	}
}

func flatten(ctx context.Context, f *Future[any]) *Future[any] {
	return Then(f, func(v any, err error) *Future[any] {
		return Adapt(ctx, v, err)
	})
}

func forward[T any](from, to *Future[T]) {
	from.OnComplete(func(v T, err error) {
		to.settle(v, err)
	})
}
