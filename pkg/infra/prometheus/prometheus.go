package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	latencyBuckets = []float64{
		5, 10, 25,
		50, 100, 250,
		500, 1000, 2500,
		5000, 10000, 30000,
	}

	ShieldRequestTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldgate_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "status"},
	)

	ShieldRequestLatency = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shieldgate_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"outcome"}, // "forwarded", "denied" or "bypass"
	)

	ShieldDeniedTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldgate_denied_total",
			Help: "Requests denied, by policy layer",
		},
		[]string{"layer"},
	)

	ShieldRiskIncrements = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldgate_risk_increments_total",
			Help: "Risk score increments, by trigger source",
		},
		[]string{"source"},
	)

	ShieldBlockTransitions = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shieldgate_block_transitions_total",
			Help: "Unblocked to blocked transitions observed by this instance",
		},
	)
)

// Handler serves the private registry; mounted on the metrics port only.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
