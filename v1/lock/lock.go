package lock

import (
	"context"
	"time"
)

// Fn is a critical section run under a lock. The context it receives is
// derived from the caller's and is tagged as holding the lock, so nested
// acquisitions of the same lock through it fail with ErrRecursive.
type Fn func(ctx context.Context) error

// Lock runs critical sections one at a time, in submission order.
//
// Do blocks until the callback has run or the acquisition failed.
// DoTimeout bounds only the wait to acquire, never the callback itself;
// on expiry it returns errors.ErrTimeout while the queue position is still
// released in order behind the unfinished predecessor.
// Close drains all previously submitted turns before returning. Behavior of
// submissions racing Close is best effort; submissions after Close fail.
type Lock interface {
	Do(ctx context.Context, fn Fn) error
	DoTimeout(ctx context.Context, timeout time.Duration, fn Fn) error
	Close(ctx context.Context) error
}

// Run executes fn under l and returns its value.
func Run[T any](ctx context.Context, l Lock, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RunTimeout executes fn under l with an acquisition timeout and returns its
// value.
func RunTimeout[T any](ctx context.Context, l Lock, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.DoTimeout(ctx, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
