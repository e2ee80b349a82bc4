// Package metrics exposes Prometheus collectors for the chat service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concierge"

var (
	// ChatTurns counts finished relay turns by outcome (done, error, aborted).
	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_turns_total",
		Help:      "Chat turns by outcome.",
	}, []string{"outcome"})

	// ChatTurnDuration observes wall time from request to terminal event.
	ChatTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chat_turn_duration_seconds",
		Help:      "Duration of chat turns.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	// StreamEvents counts events written to clients by type.
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_events_total",
		Help:      "Stream events emitted by type.",
	}, []string{"type"})

	// ActionInvocations counts executed actions by kind and terminal status.
	ActionInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_invocations_total",
		Help:      "Assistant actions by kind and status.",
	}, []string{"kind", "status"})

	// RateLimited counts rejected chat sends.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Chat sends rejected by the rate limiter.",
	})

	// JobsProcessed counts background jobs by kind and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Background jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	// CatalogReloads counts catalog file loads by outcome.
	CatalogReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_reloads_total",
		Help:      "Catalog file loads by outcome.",
	}, []string{"outcome"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
