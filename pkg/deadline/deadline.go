// Package deadline bounds how long a caller waits for an operation.
//
// A wrapped operation is never cancelled: when the limit passes the caller
// gets a timeout error right away while the operation keeps running on its
// own goroutine. Its eventual result is discarded. Anything the operation
// holds (pool handles, locks) stays held until it really finishes.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("deadline exceeded")

// Error is returned when the limit passes before the operation completes.
type Error struct {
	Message string
	Limit   time.Duration
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Timeout of %dms exceeded", e.Limit.Milliseconds())
}

func (e *Error) Is(target error) bool {
	return target == ErrTimeout
}

func (e *Error) Timeout() bool {
	return true
}

type Func[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	value T
	err   error
}

// Wrap returns op bounded by limit. A zero or negative limit returns op
// itself. timeoutErr is reported on expiry; nil reports an *Error carrying
// the limit.
//
// The operation runs with ctx detached from cancellation so that a caller
// giving up does not abort work that still holds resources. The caller's
// own cancellation is still observed while waiting.
func Wrap[T any](op Func[T], limit time.Duration, timeoutErr error) Func[T] {
	if limit <= 0 {
		return op
	}
	if timeoutErr == nil {
		timeoutErr = &Error{Limit: limit}
	}

	return func(ctx context.Context) (T, error) {
		var zero T

		done := make(chan result[T], 1)
		go func() {
			v, err := op(context.WithoutCancel(ctx))
			done <- result[T]{value: v, err: err}
		}()

		timer := time.NewTimer(limit)
		defer timer.Stop()

		select {
		case r := <-done:
			return r.value, r.err
		case <-timer.C:
			return zero, timeoutErr
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Do runs op once under limit.
func Do[T any](ctx context.Context, limit time.Duration, timeoutErr error, op Func[T]) (T, error) {
	return Wrap(op, limit, timeoutErr)(ctx)
}

// WrapErr is Wrap for operations that only report an error.
func WrapErr(op func(ctx context.Context) error, limit time.Duration, timeoutErr error) func(ctx context.Context) error {
	wrapped := Wrap(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, limit, timeoutErr)

	return func(ctx context.Context) error {
		_, err := wrapped(ctx)
		return err
	}
}
