package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reads     *prometheus.CounterVec
	coalesced prometheus.Counter
	errors    prometheus.Counter
	entries   prometheus.Gauge
}

// NewMetrics registers the cache collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Cache reads by outcome: hit, stale or miss.",
		}, []string{"outcome"}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "cache",
			Name:      "coalesced_total",
			Help:      "Reads that attached to a fetch already in flight.",
		}),
		errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "cache",
			Name:      "fetch_errors_total",
			Help:      "Failed fetches from the content service.",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "quill",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cached entries.",
		}),
	}
}
