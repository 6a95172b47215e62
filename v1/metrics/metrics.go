package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// TimeoutCounter tracks acquisitions that failed on timeout.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_timeout_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// RecursionCounter tracks rejected recursive acquisitions.
	RecursionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_recursion_total",
		Help: "Total number of rejected recursive lock acquisitions",
	})
	// ForcedReleaseCounter tracks grants released by the exit monitor on
	// behalf of a dead requester.
	ForcedReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_forced_release_total",
		Help: "Total number of grants force-released after requester termination",
	})
	// HeldGauge reports the number of turns currently holding a lock.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "turnstile_held_turns",
		Help: "Current number of turns holding a lock",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers turnstile core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, TimeoutCounter, RecursionCounter, ForcedReleaseCounter, HeldGauge)
}
