// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Polling
	PollChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_poll_checks_total",
			Help: "Timeline checks by outcome",
		},
		[]string{"outcome"}, // success, failure, no_new_data, error
	)

	PollCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socialrelay_poll_check_duration_seconds",
			Help:    "Duration of a single timeline check",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolledAccounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socialrelay_polled_accounts",
			Help: "Polled accounts by cadence bucket",
		},
		[]string{"bucket"},
	)

	ActivitiesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_activities_published_total",
			Help: "Activities published on the bus",
		},
		[]string{"source"},
	)

	// Delivery
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, suppressed, failed, discovery_failed
	)

	WebhookStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_webhook_state_transitions_total",
			Help: "Persisted webhook states",
		},
		[]string{"state"},
	)

	// Subscription budget
	SubscriptionCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socialrelay_subscription_cost",
			Help: "Current subscription cost per credential pool",
		},
		[]string{"pool"},
	)

	SubscriptionMaxCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socialrelay_subscription_max_cost",
			Help: "Subscription cost ceiling per credential pool",
		},
		[]string{"pool"},
	)

	SubscriptionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_subscription_changes_total",
			Help: "Subscriptions created, deleted or skipped by the allocator",
		},
		[]string{"action"},
	)

	// Upstream
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "socialrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CallbackRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialrelay_callback_requests_total",
			Help: "Push callback requests by result",
		},
		[]string{"result"},
	)
)
