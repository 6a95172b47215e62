package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-turnstile/turnstile/v1/announce"
	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

var tracer = otel.Tracer("github.com/go-turnstile/turnstile/v1/lock")

// Local is an in-process FIFO lock built on a chain of completion channels.
// The only state is the tail slot: the completion channel of the most
// recently reserved turn, or nil when unlocked. Each new turn captures the
// current tail as its predecessor and publishes its own channel in one step,
// which is what makes the queue first-come-first-served.
type Local struct {
	id   string
	name string

	mu     sync.Mutex
	tail   chan struct{}
	closed bool

	acquired atomic.Uint64
	timeouts atomic.Uint64

	bus announce.Bus

	acquireCounter prometheus.Counter
	timeoutCounter prometheus.Counter
	waitHist       prometheus.Histogram
	traceEnabled   bool
}

// Option configures a Local lock.
type Option func(*Local)

// WithName sets a human-readable name used in announcements and traces.
func WithName(name string) Option {
	return func(l *Local) {
		l.name = name
	}
}

// WithAnnounce publishes lifecycle events for this lock on bus.
func WithAnnounce(bus announce.Bus) Option {
	return func(l *Local) {
		l.bus = bus
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Local) {
		l.acquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_lock_acquire_total",
			Help: "Total number of successful acquisitions on this lock",
		})
		l.timeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_lock_timeout_total",
			Help: "Total number of timed-out acquisitions on this lock",
		})
		l.waitHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnstile_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the lock",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(l.acquireCounter, l.timeoutCounter, l.waitHist)
	}
}

// WithTracing enables OpenTelemetry tracing for acquisitions.
func WithTracing() Option {
	return func(l *Local) {
		l.traceEnabled = true
	}
}

// New returns a new Local lock.
func New(opts ...Option) *Local {
	l := &Local{id: uuid.NewString()}
	for _, opt := range opts {
		opt(l)
	}
	if l.name == "" {
		l.name = l.id
	}
	return l
}

// Turn is one admitted position in the queue of a Local lock. A reserved
// turn must be finished exactly once, on every exit path, or the queue
// stalls forever.
type Turn struct {
	l       *Local
	prev    chan struct{}
	done    chan struct{}
	started bool
}

// Reserve claims the next queue position without waiting. Do and DoTimeout
// compose Reserve, Start and Finish; Reserve is exported so that a message
// loop serving remote requesters can fix queue order at message arrival
// time, before handing the wait to another goroutine.
func (l *Local) Reserve() *Turn {
	done := make(chan struct{})
	l.mu.Lock()
	prev := l.tail
	l.tail = done
	l.mu.Unlock()
	return &Turn{l: l, prev: prev, done: done}
}

// Start waits until the predecessor turn, if any, has finished. It returns
// terrors.ErrTimeout when ctx carries a deadline that expires first, or
// ctx.Err() on cancellation. After a failed Start the turn still occupies
// its queue position; Finish must still be called.
func (t *Turn) Start(ctx context.Context) error {
	if t.prev == nil {
		t.started = true
		t.l.acquired.Add(1)
		return nil
	}
	select {
	case <-t.prev:
		t.started = true
		t.l.acquired.Add(1)
		return nil
	case <-ctx.Done():
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.l.timeouts.Add(1)
			return terrors.ErrTimeout
		}
		return ctx.Err()
	}
}

// Finish releases the turn. If Start never succeeded, completion is deferred
// until the predecessor finishes, so turns queued later cannot overtake a
// predecessor that is still running.
func (t *Turn) Finish() {
	if t.started || t.prev == nil {
		t.complete()
		return
	}
	prev := t.prev
	go func() {
		<-prev
		t.complete()
	}()
}

func (t *Turn) complete() {
	t.l.mu.Lock()
	if t.l.tail == t.done {
		t.l.tail = nil
	}
	t.l.mu.Unlock()
	close(t.done)
}

// Do implements Lock.Do.
func (l *Local) Do(ctx context.Context, fn Fn) error {
	return l.run(ctx, 0, fn)
}

// DoTimeout implements Lock.DoTimeout. The timeout bounds only the wait to
// acquire; once fn has started it runs to completion.
func (l *Local) DoTimeout(ctx context.Context, timeout time.Duration, fn Fn) error {
	return l.run(ctx, timeout, fn)
}

func (l *Local) run(ctx context.Context, timeout time.Duration, fn Fn) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return terrors.ErrClosed
	}
	if Holding(ctx, l.id) {
		return terrors.ErrRecursive
	}

	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire",
			trace.WithAttributes(attribute.String("turnstile.lock", l.name)))
		defer span.End()
	}
	start := time.Now()

	t := l.Reserve()
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.Start(wctx); err != nil {
		if stdErrors.Is(err, terrors.ErrTimeout) {
			if l.timeoutCounter != nil {
				l.timeoutCounter.Inc()
			}
			l.publish(announce.StateTimeout)
		}
		if l.traceEnabled {
			span.SetAttributes(attribute.String("turnstile.result", err.Error()))
		}
		t.Finish()
		return err
	}

	wait := time.Since(start)
	if l.acquireCounter != nil {
		l.acquireCounter.Inc()
	}
	if l.waitHist != nil {
		l.waitHist.Observe(wait.Seconds())
	}
	if l.traceEnabled {
		span.SetAttributes(
			attribute.String("turnstile.result", "acquired"),
			attribute.Int64("turnstile.wait_ms", wait.Milliseconds()),
		)
	}
	l.publish(announce.StateAcquired)

	err := fn(WithHolder(ctx, l.id))
	t.Finish()
	l.publish(announce.StateReleased)
	return err
}

// Close implements Lock.Close. It reserves one final empty turn and waits
// for it, which guarantees all previously queued turns have drained.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	t := l.Reserve()
	err := t.Start(ctx)
	t.Finish()
	if err != nil {
		return err
	}
	if !already {
		l.publish(announce.StateClosed)
	}
	return nil
}

// Locked reports whether at least one turn has not yet finished.
func (l *Local) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail != nil
}

func (l *Local) publish(state announce.State) {
	if l.bus == nil {
		return
	}
	_ = l.bus.Publish(context.Background(), announce.Event{
		Lock:  l.name,
		State: state,
		At:    time.Now().UnixMilli(),
	})
}

// Stats reports basic counters about lock usage.
type Stats struct {
	Acquired uint64
	Timeouts uint64
}

// Metrics returns current counters for the lock.
func (l *Local) Metrics() Stats {
	return Stats{
		Acquired: l.acquired.Load(),
		Timeouts: l.timeouts.Load(),
	}
}
