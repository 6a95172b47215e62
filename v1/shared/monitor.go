package shared

import (
	"sync"

	"github.com/go-turnstile/turnstile/v1/metrics"
	"github.com/go-turnstile/turnstile/v1/wire"
)

// exitMonitor force-fulfills a release token when the holder's lifeline
// closes first, so a crashed requester cannot block the queue forever.
// Force and an explicit release are idempotent against each other.
type exitMonitor struct {
	once   sync.Once
	stopCh chan struct{}
}

func watch(lifeline <-chan struct{}, rel wire.Released) *exitMonitor {
	m := &exitMonitor{stopCh: make(chan struct{})}
	if lifeline == nil {
		return m
	}
	go func() {
		select {
		case <-lifeline:
			metrics.ForcedReleaseCounter.Inc()
			rel.Force()
		case <-rel.Done():
		case <-m.stopCh:
		}
	}()
	return m
}

func (m *exitMonitor) stop() {
	m.once.Do(func() { close(m.stopCh) })
}
