package wire

import (
	"context"
	"sync"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

// InMem is a single-process transport. Requester contexts are goroutine
// trees: the context passed to Dial stands in for the requester's task
// handle, and canceling it counts as abnormal termination.
type InMem struct {
	reqs      chan Request
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMem returns a new in-memory transport. All requests funnel through
// one buffered channel, so delivery order equals send order across all
// requesters.
func NewInMem() *InMem {
	return &InMem{
		reqs: make(chan Request, 64),
		done: make(chan struct{}),
	}
}

// Requests implements Listener.Requests.
func (t *InMem) Requests() <-chan Request {
	return t.reqs
}

// Close implements Listener.Close. Pending and future sends fail with
// ErrConnectionClosed.
func (t *InMem) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// Dial returns a Conn for a requester context with the given identity.
// ctx's cancellation is treated as requester termination.
func (t *InMem) Dial(ctx context.Context, identity string) Conn {
	if identity == "" {
		identity = NewIdentity()
	}
	return &inMemConn{t: t, identity: identity, lifeline: ctx.Done()}
}

func (t *InMem) send(ctx context.Context, req Request) error {
	select {
	case <-t.done:
		return terrors.ErrConnectionClosed
	default:
	}
	select {
	case t.reqs <- req:
		return nil
	case <-t.done:
		return terrors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type inMemConn struct {
	t        *InMem
	identity string
	lifeline <-chan struct{}
}

func (c *inMemConn) Acquire(ctx context.Context) (<-chan Grant, error) {
	out := make(chan Grant, 1)
	req := &inMemRequest{
		kind:     KindAcquire,
		identity: c.identity,
		lifeline: c.lifeline,
		grants:   out,
	}
	if err := c.t.send(ctx, req); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inMemConn) SendClose(ctx context.Context) error {
	reply := make(chan error, 1)
	req := &inMemRequest{
		kind:     KindClose,
		identity: c.identity,
		lifeline: c.lifeline,
		reply:    reply,
	}
	if err := c.t.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *inMemConn) Identity() string { return c.identity }

func (c *inMemConn) Close() error { return nil }

type inMemRequest struct {
	kind     Kind
	identity string
	lifeline <-chan struct{}
	grants   chan<- Grant
	reply    chan<- error
}

func (r *inMemRequest) Kind() Kind       { return r.kind }
func (r *inMemRequest) Identity() string { return r.identity }

func (r *inMemRequest) Grant() (Released, error) {
	g := &inMemGrant{ch: make(chan struct{})}
	// The grants channel has capacity one and carries at most one grant per
	// request, so this never blocks on a dead requester.
	r.grants <- g
	return g, nil
}

func (r *inMemRequest) Ack() error {
	r.reply <- nil
	return nil
}

func (r *inMemRequest) Deny(err error) error {
	r.reply <- err
	return nil
}

func (r *inMemRequest) Lifeline() <-chan struct{} { return r.lifeline }

// inMemGrant is both the requester's grant and the owner's released view;
// in one process they share the same one-shot channel.
type inMemGrant struct {
	once sync.Once
	ch   chan struct{}
}

func (g *inMemGrant) Release() {
	g.once.Do(func() { close(g.ch) })
}

func (g *inMemGrant) Done() <-chan struct{} { return g.ch }

func (g *inMemGrant) Force() { g.Release() }
