package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "changeroom"

var (
	// LedgerOperationsTotal counts ledger calls by operation and outcome.
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total credit ledger operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// LedgerOperationDuration tracks ledger transaction latency.
	LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Credit ledger operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CreditsMovedTotal sums credits added or removed by direction.
	CreditsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "credits_moved_total",
		Help:      "Credits moved by the ledger, by direction (debit/credit).",
	}, []string{"direction"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TryOnRendersTotal counts try-on requests by outcome.
	TryOnRendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tryon",
		Name:      "renders_total",
		Help:      "Total try-on renders by outcome.",
	}, []string{"outcome"})

	// RateLimitRejectionsTotal counts requests turned away by the limiter.
	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})

	// CreditRefreshAccountsTotal counts accounts topped up by the refresher.
	CreditRefreshAccountsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresher",
		Name:      "accounts_total",
		Help:      "Accounts whose monthly allowance was refreshed, by plan.",
	}, []string{"plan"})
)
