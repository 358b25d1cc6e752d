package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request, latency, rate-limit, lease-claim, and task-outcome counters,
// registered against the default prometheus registry promhttp.Handler()
// already serves at GET /metrics.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_http_requests_total",
		Help: "Total HTTP requests processed by the front-end, by method/endpoint/status.",
	}, []string{"method", "endpoint", "status_code"})

	httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskforge_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by method/endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	rateLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_rate_limit_hits_total",
		Help: "Per-client API rate limit rejections, by limit type (client/ip).",
	}, []string{"limit_type"})

	leaseClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_lease_claims_total",
		Help: "Tasks claimed via claim_next and delivered to a worker (outcome=claimed).",
	}, []string{"outcome"})

	taskOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_outcomes_total",
		Help: "Task and job transitions published by the router, by event type.",
	}, []string{"event"})
)
