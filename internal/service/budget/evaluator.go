package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	// CriticalPct is the percent of a limit at which a tier becomes critical
	CriticalPct = 90.0

	// DefaultAlertThresholdPct is used when the configuration carries none
	DefaultAlertThresholdPct = 80.0
)

// Reasons reported by Decide when no trip is required
const (
	ReasonDisabled = "disabled"
	ReasonNoBreach = "no breach"
)

// BudgetStore defines the interface for budget configuration reads
type BudgetStore interface {
	Get(ctx context.Context) (*models.BudgetConfig, error)
}

// UsageStore defines the interface for windowed spend queries
type UsageStore interface {
	WindowTotals(ctx context.Context, since time.Time) (float64, int, error)
}

// Evaluation is the classified state of every configured tier at one instant
type Evaluation struct {
	Tiers          map[models.Tier]*models.TierStatus `json:"tiers"`
	Order          []models.Tier                      `json:"order"`
	BreakerEnabled bool                               `json:"breaker_enabled"`
	Config         models.BudgetConfig                `json:"config"`
	EvaluatedAt    time.Time                          `json:"evaluated_at"`
}

// Statuses returns the tier statuses in evaluation order
func (e *Evaluation) Statuses() []models.TierStatus {
	statuses := make([]models.TierStatus, 0, len(e.Order))
	for _, t := range e.Order {
		statuses = append(statuses, *e.Tiers[t])
	}
	return statuses
}

// TripDecision says whether the breaker should trip and why
type TripDecision struct {
	Trip   bool               `json:"trip"`
	Tier   models.Tier        `json:"tier,omitempty"`
	Amount float64            `json:"amount_exceeded,omitempty"`
	Reason string             `json:"reason"`
	Status *models.TierStatus `json:"status,omitempty"`
}

// Evaluator classifies rolling-window spend against the configured limits
type Evaluator struct {
	budgets BudgetStore
	usage   UsageStore
	logger  *slog.Logger

	// For time mocking in tests
	now func() time.Time
}

// Option configures the evaluator
type Option func(*Evaluator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = fn
	}
}

// New creates a new evaluator
func New(budgets BudgetStore, usage UsageStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		budgets: budgets,
		usage:   usage,
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate reads the current configuration and classifies each configured
// tier. Tiers with a zero limit are skipped.
func (e *Evaluator) Evaluate(ctx context.Context) (*Evaluation, error) {
	start := time.Now()
	defer func() {
		metrics.RecordEvaluationDuration(time.Since(start))
	}()

	cfg, err := e.budgets.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget config: %w", err)
	}

	threshold := cfg.AlertThresholdPct
	if threshold <= 0 {
		threshold = DefaultAlertThresholdPct
	}

	now := e.now()
	ev := &Evaluation{
		Tiers:          make(map[models.Tier]*models.TierStatus),
		BreakerEnabled: cfg.BreakerEnabled,
		Config:         *cfg,
		EvaluatedAt:    now,
	}

	for _, tier := range models.Tiers {
		limit := cfg.Limit(tier)
		if limit <= 0 {
			continue
		}

		since := now.Add(-tier.Window())
		used, count, err := e.usage.WindowTotals(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("failed to sum %s spend: %w", tier, err)
		}

		status := TierStatusFor(tier, used, limit, threshold)
		status.RequestCount = count
		status.WindowStart = since
		ev.Tiers[tier] = &status
		ev.Order = append(ev.Order, tier)

		metrics.RecordTierStatus(string(tier), used, status.PercentUsed)
	}

	return ev, nil
}

// ShouldTrip evaluates and decides in one step
func (e *Evaluator) ShouldTrip(ctx context.Context) (*TripDecision, error) {
	ev, err := e.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	decision := Decide(ev)
	return &decision, nil
}

// Decide returns a trip for the first exceeded tier in evaluation order.
// Nothing trips while the breaker is disabled.
func Decide(ev *Evaluation) TripDecision {
	if !ev.BreakerEnabled {
		return TripDecision{Reason: ReasonDisabled}
	}

	for _, tier := range ev.Order {
		status := ev.Tiers[tier]
		if status.Classification != models.ClassExceeded {
			continue
		}
		return TripDecision{
			Trip:   true,
			Tier:   tier,
			Amount: status.Used - status.Limit,
			Reason: fmt.Sprintf("%s budget exceeded: $%.2f of $%.2f", tier, status.Used, status.Limit),
			Status: status,
		}
	}

	return TripDecision{Reason: ReasonNoBreach}
}

// TierStatusFor builds the derived status of one tier
func TierStatusFor(tier models.Tier, used, limit, thresholdPct float64) models.TierStatus {
	class := Classify(used, limit, thresholdPct)
	return models.TierStatus{
		Tier:           tier,
		Limit:          limit,
		Used:           used,
		Remaining:      math.Max(limit-used, 0),
		PercentUsed:    PercentUsed(used, limit),
		Classification: class,
		AlertWorthy:    class != models.ClassSafe,
	}
}

// Classify maps spend against a limit to a classification, most severe first:
// exceeded at or over the limit, critical at 90%, warning at thresholdPct.
// Comparisons are done on scaled values to avoid percent rounding at the edges.
func Classify(used, limit, thresholdPct float64) models.Classification {
	if limit <= 0 {
		return models.ClassSafe
	}
	switch {
	case used >= limit:
		return models.ClassExceeded
	case used*100 >= limit*CriticalPct:
		return models.ClassCritical
	case thresholdPct > 0 && used*100 >= limit*thresholdPct:
		return models.ClassWarning
	default:
		return models.ClassSafe
	}
}

// PercentUsed returns used as a rounded percentage of limit
func PercentUsed(used, limit float64) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(used / limit * 100))
}
