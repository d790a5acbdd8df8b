package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Metering metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmeter_usage_submissions_total",
			Help: "Total usage submissions by status and whether they were first-time applied",
		},
		[]string{"status", "applied"},
	)

	SubmissionCostMicros = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmeter_usage_cost_usd_micros_total",
			Help: "Total metered cost in micro-USD across all tenants",
		},
	)

	// Selection metrics
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmeter_selections_total",
			Help: "Total model-selection requests by reason and mode",
		},
		[]string{"reason", "mode"},
	)

	StickyTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmeter_sticky_transitions_total",
			Help: "Total sticky-fallback activations and advances",
		},
	)

	QuotaExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmeter_quota_exhausted_total",
			Help: "Total selection requests rejected because every quota was spent",
		},
	)

	// Auth metrics
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmeter_tokens_issued_total",
			Help: "Total tokens issued by grant type",
		},
		[]string{"grant_type"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmeter_auth_failures_total",
			Help: "Total rejected credential and token verifications",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmeter_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmeter_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Store metrics
	StoreSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmeter_store_sweeps_total",
			Help: "Total expired-record sweep passes",
		},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionCostMicros)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(StickyTransitionsTotal)
	prometheus.MustRegister(QuotaExhaustedTotal)
	prometheus.MustRegister(TokensIssuedTotal)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(StoreSweepsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
