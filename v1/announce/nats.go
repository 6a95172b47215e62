package announce

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	terrors "github.com/go-turnstile/turnstile/v1/errors"
)

const natsSubjectPrefix = "turnstile.lock."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus over NATS pub/sub. Each lock maps to one subject,
// shared by every subscriber of that lock in this process.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided NATS connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Close closes all subscriptions.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*natsSubscription)
	return nil
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return terrors.ErrTimeout
		}
		return err
	}
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+ev.Lock, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, lock string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, terrors.ErrTimeout
		}
		return nil, err
	}
	ch := make(chan Event, 16)

	b.mu.Lock()
	sub, ok := b.subs[lock]
	if ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()
		nsub, err := b.conn.Subscribe(natsSubjectPrefix+lock, func(m *nats.Msg) {
			b.dispatch(lock, m.Data)
		})
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.subs[lock] = &natsSubscription{sub: nsub, chans: []chan Event{ch}}
		b.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), lock, ch)
	}()
	return ch, nil
}

func (b *NATSBus) dispatch(lock string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	b.mu.Lock()
	sub := b.subs[lock]
	if sub == nil {
		b.mu.Unlock()
		return
	}
	chans := append([]chan Event(nil), sub.chans...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, lock string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[lock]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, lock)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
