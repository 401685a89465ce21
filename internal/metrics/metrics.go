package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sign-in metrics
var (
	SignInAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_attempts_total",
			Help: "Sign-in attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signin_risk_score",
			Help:    "Risk scores computed for credential-verified sign-ins",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	ChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_challenges_total",
			Help: "Second-factor challenges by result",
		},
		[]string{"result"}, // issued, verified, failed, expired
	)

	DependencyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_dependency_errors_total",
			Help: "Errors and timeouts from external dependencies",
		},
		[]string{"dependency"},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signin_audit_dropped_total",
			Help: "Audit events that could not be persisted",
		},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signin_audit_queue_depth",
			Help: "Audit events waiting to be written",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signin_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signin_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	PanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signin_http_panics_total",
			Help: "Handler panics recovered by the HTTP stack",
		},
	)
)
