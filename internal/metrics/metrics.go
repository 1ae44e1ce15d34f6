// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts messages that reached a terminal audit row.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_messages_processed_total",
		Help: "Messages processed to a terminal state, by account.",
	}, []string{"account"})

	// MessagesDeferred counts messages left unread for a later loop.
	MessagesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_messages_deferred_total",
		Help: "Messages deferred to a later polling loop.",
	})

	// MessagesSkipped counts pre-classification aborts by skip type.
	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_messages_skipped_total",
		Help: "Messages skipped before classification, by skip type.",
	}, []string{"skip_type"})

	// ReadRetryQueue tracks the size of the mark-read retry set.
	ReadRetryQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_read_retry_queue",
		Help: "Entries currently waiting in the mark-read retry set.",
	})

	// LoopDuration observes how long one full polling loop takes.
	LoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_loop_duration_seconds",
		Help:    "Wall time of one polling loop across all accounts.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// DeliveryFailures counts messages where both the primary and the
	// fallback forward were rejected.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_delivery_failures_total",
		Help: "Messages left undelivered after primary and fallback forwards failed.",
	})

	// Autoresponses counts acknowledgment outcomes by terminal status.
	Autoresponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_autoresponses_total",
		Help: "Autoresponse outcomes, by status (success, failed, not_attempted, pending).",
	}, []string{"status"})

	// ClassifierErrors counts messages that fell back to the original
	// recipient because classification failed.
	ClassifierErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_classifier_errors_total",
		Help: "Messages whose classification failed after retries.",
	})

	// ClassifierCostUSD accumulates LLM spend.
	ClassifierCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_classifier_cost_usd_total",
		Help: "Cumulative classifier spend in USD.",
	})

	// FetchErrors counts failed unread fetches by account.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_fetch_errors_total",
		Help: "Failed unread-message fetches, by account.",
	}, []string{"account"})
)
