// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moonit"

var (
	// Completions counts completion requests by outcome (ok, error, busy, invalid).
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completions_total",
		Help:      "Completion requests handled, by outcome.",
	}, []string{"outcome"})

	// CompletionSeconds observes hosted model latency.
	CompletionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "completion_duration_seconds",
		Help:      "Time spent waiting for the hosted model.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	// StoreWrites counts document store writes by kind and outcome.
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_writes_total",
		Help:      "Document store writes, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// Subscriptions tracks live change subscriptions by kind.
	Subscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Live change subscriptions, by kind.",
	}, []string{"kind"})
)

// Outcome maps an error to the label used by StoreWrites.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
