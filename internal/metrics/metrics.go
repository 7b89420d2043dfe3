package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets, // Default: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Usage ledger metrics
var (
	// UsageRecorded counts usage records appended by provider
	UsageRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_usage_records_total",
			Help: "Total number of usage records appended by provider",
		},
		[]string{"provider"},
	)

	// CostAccrued tracks total cost accrued
	CostAccrued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_cost_accrued_usd",
			Help: "Total cost accrued in USD by provider",
		},
		[]string{"provider"},
	)

	// TokensRecorded counts tokens by provider and kind (prompt, completion)
	TokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_tokens_total",
			Help: "Total number of tokens recorded by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	// PricingMissing counts completions costed at zero because no price matched
	PricingMissing = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_pricing_missing_total",
			Help: "Total number of completions with no matching price by provider and model",
		},
		[]string{"provider", "model"},
	)

	// ExtractionFailures counts responses whose token counts could not be read
	ExtractionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_extraction_failures_total",
			Help: "Total number of responses with unreadable token usage by provider",
		},
		[]string{"provider"},
	)

	// PendingRequests tracks the size of the in-flight request table
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spendguard_pending_requests",
			Help: "Number of provider calls started but not yet completed",
		},
	)

	// PendingEvicted counts pending entries dropped without a completion
	PendingEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_pending_evicted_total",
			Help: "Total number of pending requests dropped by reason (overflow, expired)",
		},
		[]string{"reason"},
	)

	// UnmatchedCompletions counts completions with no registered start
	UnmatchedCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendguard_unmatched_completions_total",
			Help: "Total number of completions for unknown request ids",
		},
	)
)

// Budget and breaker metrics
var (
	// TierSpend tracks spend in the current window by tier
	TierSpend = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendguard_tier_spend_usd",
			Help: "Spend in USD within the rolling window by tier",
		},
		[]string{"tier"},
	)

	// TierPercentUsed tracks percent of limit used by tier
	TierPercentUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendguard_tier_percent_used",
			Help: "Percent of the configured limit used by tier",
		},
		[]string{"tier"},
	)

	// EvaluationDuration tracks how long a budget evaluation takes
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spendguard_budget_evaluation_duration_seconds",
			Help:    "Duration of budget evaluations",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// BreakerState tracks the breaker state
	// Values: 0 = armed, 1 = tripped
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spendguard_breaker_state",
			Help: "Current breaker state (0=armed, 1=tripped)",
		},
	)

	// BreakerTransitions counts breaker events by type and reason
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_breaker_transitions_total",
			Help: "Total number of breaker transitions by event type and reason (tier, manual, automatic)",
		},
		[]string{"event_type", "reason"},
	)

	// BreakerSideEffectFailures counts failed provider config mutations
	BreakerSideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_breaker_side_effect_failures_total",
			Help: "Total number of failed provider config mutations by operation (pause, resume)",
		},
		[]string{"operation"},
	)

	// AdmissionsDenied counts calls refused while the breaker was tripped
	AdmissionsDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendguard_admissions_denied_total",
			Help: "Total number of provider calls refused while the breaker was tripped",
		},
	)
)

// Alert metrics
var (
	// AlertsDispatched counts channel deliveries by alert type, channel type and status
	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_alerts_dispatched_total",
			Help: "Total number of alert deliveries by alert type, channel type, and status",
		},
		[]string{"alert_type", "channel_type", "status"},
	)

	// AlertsSuppressed counts alerts dropped by cooldown
	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by cooldown by alert type",
		},
		[]string{"alert_type"},
	)
)

// Licensing metrics
var (
	// PaymentRequestsCreated counts issued payment requests by tier
	PaymentRequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_payment_requests_total",
			Help: "Total number of payment requests issued by tier",
		},
		[]string{"tier"},
	)

	// PaymentVerifications counts verification attempts by outcome
	PaymentVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_payment_verifications_total",
			Help: "Total number of payment verifications by outcome",
		},
		[]string{"outcome"},
	)

	// LicensesGranted counts license grants and extensions by tier
	LicensesGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_licenses_granted_total",
			Help: "Total number of license grants and extensions by pricing tier",
		},
		[]string{"tier"},
	)
)

// Hook boundary metrics
var (
	// HookPanics counts panics recovered at the host hook boundary
	HookPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_hook_panics_total",
			Help: "Total number of panics recovered in host hooks by hook",
		},
		[]string{"hook"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordUsage records an appended usage record
func RecordUsage(provider string, promptTokens, completionTokens int, cost float64) {
	UsageRecorded.WithLabelValues(provider).Inc()
	TokensRecorded.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	TokensRecorded.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	if cost > 0 {
		CostAccrued.WithLabelValues(provider).Add(cost)
	}
}

// RecordPricingMissing increments the missing price counter
func RecordPricingMissing(provider, model string) {
	PricingMissing.WithLabelValues(provider, model).Inc()
}

// RecordExtractionFailure increments the extraction failure counter
func RecordExtractionFailure(provider string) {
	ExtractionFailures.WithLabelValues(provider).Inc()
}

// SetPendingRequests sets the pending requests gauge
func SetPendingRequests(n int) {
	PendingRequests.Set(float64(n))
}

// RecordPendingEvicted adds to the pending eviction counter
// reason should be "overflow" or "expired"
func RecordPendingEvicted(reason string, n int) {
	PendingEvicted.WithLabelValues(reason).Add(float64(n))
}

// RecordUnmatchedCompletion increments the unmatched completion counter
func RecordUnmatchedCompletion() {
	UnmatchedCompletions.Inc()
}

// RecordTierStatus sets the spend gauges for a tier
func RecordTierStatus(tier string, used float64, percentUsed int) {
	TierSpend.WithLabelValues(tier).Set(used)
	TierPercentUsed.WithLabelValues(tier).Set(float64(percentUsed))
}

// RecordEvaluationDuration records how long a budget evaluation took
func RecordEvaluationDuration(duration time.Duration) {
	EvaluationDuration.Observe(duration.Seconds())
}

// RecordBreakerTransition increments the transition counter and updates the state gauge
func RecordBreakerTransition(eventType, reason string) {
	BreakerTransitions.WithLabelValues(eventType, reason).Inc()
	if eventType == "trip" {
		BreakerState.Set(1)
	} else {
		BreakerState.Set(0)
	}
}

// RecordBreakerSideEffectFailure increments the side effect failure counter
func RecordBreakerSideEffectFailure(operation string) {
	BreakerSideEffectFailures.WithLabelValues(operation).Inc()
}

// RecordAdmissionDenied increments the denied admission counter
func RecordAdmissionDenied() {
	AdmissionsDenied.Inc()
}

// RecordAlertDelivery records one channel delivery
// status should be "success" or "error"
func RecordAlertDelivery(alertType, channelType, status string) {
	AlertsDispatched.WithLabelValues(alertType, channelType, status).Inc()
}

// RecordAlertSuppressed increments the suppressed alert counter
func RecordAlertSuppressed(alertType string) {
	AlertsSuppressed.WithLabelValues(alertType).Inc()
}

// RecordPaymentRequest increments the payment request counter
func RecordPaymentRequest(tier string) {
	PaymentRequestsCreated.WithLabelValues(tier).Inc()
}

// RecordPaymentVerification records a verification outcome
func RecordPaymentVerification(outcome string) {
	PaymentVerifications.WithLabelValues(outcome).Inc()
}

// RecordLicenseGranted increments the license grant counter
func RecordLicenseGranted(tier string) {
	LicensesGranted.WithLabelValues(tier).Inc()
}

// RecordHookPanic increments the hook panic counter
func RecordHookPanic(hook string) {
	HookPanics.WithLabelValues(hook).Inc()
}

// InitializeBreakerMetrics sets the breaker gauge from the event log on startup,
// so the metric reflects the replayed state before any transition happens.
func InitializeBreakerMetrics(ctx context.Context, tripped bool) {
	if tripped {
		BreakerState.Set(1)
	} else {
		BreakerState.Set(0)
	}
	slog.InfoContext(ctx, "initialized breaker metrics from event log",
		slog.Bool("tripped", tripped))
}
