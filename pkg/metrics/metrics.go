package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivationOutcomes counts activation attempts by outcome (success|already_activated|expired|blocked|invalid|error).
	ActivationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_activation_outcomes_total",
			Help: "Total number of activation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// TokenRegenerations counts regenerated activation tokens by trigger (resend|expired|refresher).
	TokenRegenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_token_regenerations_total",
			Help: "Total number of regenerated activation tokens",
		},
		[]string{"trigger"},
	)

	// RefreshSweeps counts refresher runs by result (success|partial|failure).
	RefreshSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_refresh_sweeps_total",
			Help: "Total number of stale token refresh sweeps",
		},
		[]string{"result"},
	)

	// ActivationEmails counts activation emails by kind and result (sent|disabled|failed).
	ActivationEmails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_activation_emails_total",
			Help: "Total number of activation emails handed to the mailer",
		},
		[]string{"kind", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activator_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
