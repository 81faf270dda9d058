// Package metrics holds the Prometheus collectors for billing activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directory",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "directory",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutSessionsTotal counts checkout session attempts by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directory",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session attempts by outcome (created, not_found, invalid, error).",
	}, []string{"outcome"})

	// SubscriptionTransitionsTotal counts local subscription writes by resulting status.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directory",
		Subsystem: "billing",
		Name:      "subscription_transitions_total",
		Help:      "Subscription rows written by resulting local status.",
	}, []string{"status"})

	// EmailSendsTotal counts confirmation email attempts by outcome.
	EmailSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directory",
		Subsystem: "billing",
		Name:      "email_sends_total",
		Help:      "Confirmation email attempts by outcome (sent, failed, skipped).",
	}, []string{"outcome"})

	// BackgroundTasksTotal counts best-effort background tasks by name and outcome.
	BackgroundTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directory",
		Subsystem: "tasks",
		Name:      "background_tasks_total",
		Help:      "Best-effort background tasks by name and outcome (ok, error, panic).",
	}, []string{"task", "outcome"})
)
