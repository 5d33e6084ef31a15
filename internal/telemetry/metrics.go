// Package telemetry provides application-level observability for the license
// registry.
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started in cmd/server (default port
// 9090, path /metrics). The endpoint is deliberately not part of the Gin
// router: keeping the scrape path off the public listener means it is never
// rate-limited and never exposed through the public ingress.
//
// HTTP metrics use c.FullPath() (the route template, e.g. /api/verify) rather
// than the raw request URL so user-supplied path segments cannot create
// unbounded label cardinality.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// License lifecycle metrics.
//
// VerificationsTotal is labelled by outcome: "success" or one of the
// verification reason codes (invalid_key, expired, wrong_place_id,
// used_elsewhere). The reason set is small and fixed, so cardinality is safe.
var (
	KeysIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_keys_issued_total",
			Help: "Total number of license keys issued.",
		},
	)

	KeysRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_keys_revoked_total",
			Help: "Total number of license keys revoked by an administrator.",
		},
	)

	KeysPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_keys_purged_total",
			Help: "Total number of expired license keys removed by the purge job.",
		},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_verifications_total",
			Help: "Total number of verification attempts, by outcome.",
		},
		[]string{"result"},
	)
)

// Credit ledger metrics.
var (
	CreditsAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_allocated_total",
			Help: "Total credits moved from global stock to user accounts.",
		},
	)

	CreditsConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total credits spent through the use-credit operation.",
		},
	)

	StockLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credit_stock_level",
			Help: "Current global credit stock level, updated on stock reads and mutations.",
		},
	)
)
