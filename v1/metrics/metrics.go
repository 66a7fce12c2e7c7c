package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ResolveCounter counts Resolve calls by outcome.
	ResolveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warmlock_resolve_total",
		Help: "Total number of Resolve calls by outcome",
	}, []string{"outcome"})
	// ProducerCounter counts producer invocations by result.
	ProducerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warmlock_producer_total",
		Help: "Total number of producer invocations by result",
	}, []string{"result"})
	// ReclaimCounter tracks stale locks released by a later caller.
	ReclaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmlock_lock_reclaims_total",
		Help: "Total number of stale locks reclaimed",
	})
	// ResolveDuration observes end-to-end Resolve latency.
	ResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warmlock_resolve_duration_seconds",
		Help:    "Latency of Resolve calls",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers warmlock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ResolveCounter, ProducerCounter, ReclaimCounter, ResolveDuration)
}
