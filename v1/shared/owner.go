package shared

import (
	"context"
	"sync"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
	"github.com/go-turnstile/turnstile/v1/lock"
	"github.com/go-turnstile/turnstile/v1/metrics"
	"github.com/go-turnstile/turnstile/v1/wire"
)

// Owner is the message loop serving a shared lock. It runs in the context
// that created the lock and owns the real FIFO queue. Holding the internal
// queue's head turn is equivalent to holding the shared lock for exactly the
// span between a requester receiving its grant and fulfilling it.
type Owner struct {
	ln       wire.Listener
	identity string
	inner    *lock.Local

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Serve starts an owner for ln. identity is the owning context's identity;
// close requests carrying any other identity are denied. Options configure
// the internal queue (name, metrics, tracing, announcements).
func Serve(ln wire.Listener, identity string, opts ...lock.Option) *Owner {
	o := &Owner{
		ln:       ln,
		identity: identity,
		inner:    lock.New(opts...),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Owner) run() {
	defer close(o.done)
	for {
		select {
		case req := <-o.ln.Requests():
			o.handle(req)
		case <-o.stop:
			_ = o.ln.Close()
			return
		}
	}
}

// handle must not block: the queue position is reserved synchronously, in
// message arrival order, and everything that waits happens in a per-turn
// goroutine.
func (o *Owner) handle(req wire.Request) {
	switch req.Kind() {
	case wire.KindAcquire:
		turn := o.inner.Reserve()
		go o.serve(req, turn)
	case wire.KindClose:
		if req.Identity() != o.identity {
			_ = req.Deny(terrors.ErrIllegalClose)
			return
		}
		turn := o.inner.Reserve()
		go func() {
			_ = turn.Start(context.Background())
			o.stopOnce.Do(func() { close(o.stop) })
			_ = req.Ack()
			turn.Finish()
		}()
	}
}

// serve drives one acquire turn: wait for the predecessor, grant, then hold
// the turn until the requester releases or its exit monitor does.
func (o *Owner) serve(req wire.Request, turn *lock.Turn) {
	if err := turn.Start(context.Background()); err != nil {
		turn.Finish()
		return
	}
	rel, err := req.Grant()
	if err != nil {
		turn.Finish()
		return
	}
	metrics.AcquireCounter.Inc()
	metrics.HeldGauge.Inc()
	mon := watch(req.Lifeline(), rel)
	<-rel.Done()
	mon.stop()
	metrics.HeldGauge.Dec()
	turn.Finish()
}

// Done closes once the message loop has stopped.
func (o *Owner) Done() <-chan struct{} { return o.done }

// Busy reports whether any turn on the internal queue has not yet finished.
func (o *Owner) Busy() bool { return o.inner.Locked() }

// Stats returns counters for the internal queue.
func (o *Owner) Stats() lock.Stats { return o.inner.Metrics() }
