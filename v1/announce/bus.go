// Package announce fans lock lifecycle events out to subscribers, either
// within a process or across nodes through Redis, NATS or Kafka backends.
// Events are advisory: consumers use them for observability and coordination,
// never for locking decisions.
package announce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State describes a lock lifecycle transition.
type State string

const (
	StateAcquired State = "acquired"
	StateReleased State = "released"
	StateTimeout  State = "timeout"
	StateClosed   State = "closed"
)

// Event is one lock lifecycle announcement.
type Event struct {
	Lock   string `json:"l"`
	Holder string `json:"h,omitempty"`
	State  State  `json:"s"`
	At     int64  `json:"t"` // UnixMilli
}

// Bus provides a pub/sub mechanism for lock lifecycle events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, lock string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error
}

// Metrics reports publish and delivery counts for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for single-process use
// and testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[ev.Lock]...)
	b.mu.Unlock()
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, lock string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[lock] = append(b.subs[lock], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error {
	b.mu.Lock()
	subs := b.subs[lock]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[lock] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, lock)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
