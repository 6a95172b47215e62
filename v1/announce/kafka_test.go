package announce

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("TURNSTILE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TURNSTILE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("using real Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}

	ctx := context.Background()
	t.Cleanup(func() {
		bus.Close()
	})
	return bus, ctx
}

func TestKafkaBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	lock := "test-" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, lock)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the partition consumer time to settle on the newest offset.
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, Event{Lock: lock, Holder: "a", State: StateAcquired}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Lock != lock || ev.State != StateAcquired {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestKafkaBusUnsubscribeClosesChannel(t *testing.T) {
	bus, _ := newKafkaBus(t)
	lock := "test-" + uuid.NewString()

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, lock)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}
