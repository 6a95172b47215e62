package shared

import (
	"context"
	"time"

	"github.com/google/uuid"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
	"github.com/go-turnstile/turnstile/v1/lock"
	"github.com/go-turnstile/turnstile/v1/metrics"
	"github.com/go-turnstile/turnstile/v1/wire"
)

// SharedLock is a lock.Lock backed by a remote Owner. The value holds only
// a transport connection and recursion-guard bookkeeping, so every context
// that can reach the owner builds its own from a dialed wire.Conn.
type SharedLock struct {
	conn wire.Conn
	id   string
}

// New returns a shared lock speaking to the owner behind conn.
func New(conn wire.Conn) *SharedLock {
	return &SharedLock{conn: conn, id: uuid.NewString()}
}

// Do implements lock.Lock.Do.
func (s *SharedLock) Do(ctx context.Context, fn lock.Fn) error {
	return s.run(ctx, 0, fn)
}

// DoTimeout implements lock.Lock.DoTimeout. The timeout bounds only the
// wait for the grant; the grant that eventually arrives for a timed-out
// request is released unused, so no owner turn leaks.
func (s *SharedLock) DoTimeout(ctx context.Context, timeout time.Duration, fn lock.Fn) error {
	return s.run(ctx, timeout, fn)
}

func (s *SharedLock) run(ctx context.Context, timeout time.Duration, fn lock.Fn) error {
	if lock.Holding(ctx, s.id) {
		metrics.RecursionCounter.Inc()
		return terrors.ErrRecursive
	}

	grants, err := s.conn.Acquire(ctx)
	if err != nil {
		return err
	}

	var grant wire.Grant
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case grant = <-grants:
		case <-timer.C:
			releaseLater(grants)
			metrics.TimeoutCounter.Inc()
			return terrors.ErrTimeout
		case <-ctx.Done():
			releaseLater(grants)
			return ctx.Err()
		}
	} else {
		select {
		case grant = <-grants:
		case <-ctx.Done():
			releaseLater(grants)
			return ctx.Err()
		}
	}

	defer grant.Release()
	return fn(lock.WithHolder(ctx, s.id))
}

// releaseLater waits in the background for the grant the owner will still
// send and fulfills it unused. The goroutine lives at most as long as the
// owner keeps the request queued.
func releaseLater(grants <-chan wire.Grant) {
	go func() {
		if g := <-grants; g != nil {
			g.Release()
		}
	}()
}

// Close asks the owner to stop. It fails with terrors.ErrIllegalClose when
// called through a conn whose identity is not the owning context's.
func (s *SharedLock) Close(ctx context.Context) error {
	return s.conn.SendClose(ctx)
}
