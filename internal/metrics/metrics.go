// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Embedding outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeDisabled = "disabled"
	OutcomeInvalid  = "invalid"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sowilo_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sowilo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// EmbeddingRequests counts provider calls by outcome. Disabled calls never
	// reach a provider but are counted so fallback volume is visible.
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sowilo_embedding_requests_total",
			Help: "Embedding generation attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sowilo_embedding_duration_seconds",
			Help:    "Latency of embedding provider calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// SearchRequests counts searches by the mode that produced the results
	// ("semantic" or "text").
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sowilo_search_requests_total",
			Help: "Searches served, by result mode",
		},
		[]string{"mode"},
	)

	GraphBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sowilo_graph_build_duration_seconds",
			Help:    "Time spent building the similarity graph",
			Buckets: prometheus.DefBuckets,
		},
	)

	GraphEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sowilo_graph_edges",
			Help: "Edge count of the most recently built similarity graph",
		},
	)
)
