package breaker

import (
	"context"
	"fmt"
)

// Call bundles the action guarded by Execute with its optional hooks.
// Fallback receives the rejection or the action's error and its result
// becomes the result of the call.
type Call[T any] struct {
	Action    func(ctx context.Context) (T, error)
	Fallback  func(ctx context.Context, err error) (T, error)
	OnSuccess func(T)
	OnFailure func(error)
}

type Result[T any] struct {
	Value T
	Err   error
}

func Execute[T any](ctx context.Context, b *Breaker, call Call[T]) (T, error) {
	var zero T
	if call.Action == nil {
		return zero, ErrNilAction
	}

	events, err := b.admit()
	b.events.dispatch(events)
	if err != nil {
		if call.Fallback != nil {
			return call.Fallback(ctx, err)
		}
		return zero, err
	}

	value, err := run(ctx, b, call.Action)
	if err != nil {
		b.ReportFailure(err.Error())
		if call.OnFailure != nil {
			call.OnFailure(err)
		}
		if call.Fallback != nil {
			return call.Fallback(ctx, err)
		}
		return zero, err
	}

	b.ReportSuccess()
	if call.OnSuccess != nil {
		call.OnSuccess(value)
	}
	return value, nil
}

// ExecuteAsync runs Execute on a new goroutine. The channel yields exactly one
// Result and is then closed. A panic in the call is delivered as an error
// wrapping ErrPanicked.
func ExecuteAsync[T any](ctx context.Context, b *Breaker, call Call[T]) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- Result[T]{Err: fmt.Errorf("%w: breaker %q: %v", ErrPanicked, b.Name(), r)}
			}
		}()
		value, err := Execute(ctx, b, call)
		out <- Result[T]{Value: value, Err: err}
	}()
	return out
}

// run counts a panicking action as a failure before re-raising it, so a
// HALF_OPEN probe slot is never leaked.
func run[T any](ctx context.Context, b *Breaker, action func(context.Context) (T, error)) (T, error) {
	defer func() {
		if r := recover(); r != nil {
			b.ReportFailure(fmt.Sprint("panic: ", r))
			panic(r)
		}
	}()
	return action(ctx)
}
