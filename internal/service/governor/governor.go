package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/internal/service/alert"
	"github.com/spendguard/spendguard/internal/service/breaker"
	"github.com/spendguard/spendguard/internal/service/budget"
	"github.com/spendguard/spendguard/internal/service/license"
	"github.com/spendguard/spendguard/internal/service/usage"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	// DefaultFreeRetention is the longest ledger window readable without a license
	DefaultFreeRetention = 7 * 24 * time.Hour

	// DefaultTopN is how many providers, agents and operations an alert lists
	DefaultTopN = 5
)

// ErrLicenseRequired is returned for summary windows beyond the free retention
var ErrLicenseRequired = errors.New("a valid license is required for this window")

// UsageReader defines the ledger queries used for alert context and reports
type UsageReader interface {
	TopProviders(ctx context.Context, since time.Time, limit int) ([]models.CostBreakdown, error)
	TopAgents(ctx context.Context, since time.Time, limit int) ([]models.CostBreakdown, error)
	TopOperations(ctx context.Context, since time.Time, limit int) ([]*models.UsageRecord, error)
	GetSummary(ctx context.Context, q models.UsageQuery) (*models.UsageSummary, error)
}

// Admission is the answer to a pre-call check
type Admission struct {
	Allowed bool                `json:"allowed"`
	State   models.BreakerState `json:"state"`
	Reason  string              `json:"reason,omitempty"`
}

// Status is a point-in-time view of budgets and the breaker
type Status struct {
	Tiers       []models.TierStatus  `json:"tiers"`
	Breaker     models.BreakerState  `json:"breaker"`
	LastEvent   *models.BreakerEvent `json:"last_event,omitempty"`
	BreakerOn   bool                 `json:"breaker_enabled"`
	Pending     int                  `json:"pending_requests"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
}

// Governor owns every component of the cost governance loop. It is built
// once by the host and passed where needed.
type Governor struct {
	correlator *usage.Correlator
	evaluator  *budget.Evaluator
	breaker    *breaker.Breaker
	alerts     *alert.Dispatcher
	licenses   *license.Manager
	usage      UsageReader

	autoReset     bool
	freeRetention time.Duration
	topN          int
	logger        *slog.Logger

	// For time mocking in tests
	now func() time.Time

	// last seen classification per tier, process lifetime only
	edgeMu    sync.Mutex
	lastClass map[models.Tier]models.Classification
}

// Option configures the governor
type Option func(*Governor)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// WithAutoReset resets the breaker automatically once no tier is exceeded
func WithAutoReset(enabled bool) Option {
	return func(g *Governor) {
		g.autoReset = enabled
	}
}

// WithFreeRetention sets the longest unlicensed summary window
func WithFreeRetention(d time.Duration) Option {
	return func(g *Governor) {
		g.freeRetention = d
	}
}

// WithTopN sets how many entries alert breakdowns carry
func WithTopN(n int) Option {
	return func(g *Governor) {
		if n > 0 {
			g.topN = n
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(g *Governor) {
		g.now = fn
	}
}

// New creates a governor from its components
func New(
	correlator *usage.Correlator,
	evaluator *budget.Evaluator,
	brk *breaker.Breaker,
	alerts *alert.Dispatcher,
	licenses *license.Manager,
	usageReader UsageReader,
	opts ...Option,
) *Governor {
	g := &Governor{
		correlator:    correlator,
		evaluator:     evaluator,
		breaker:       brk,
		alerts:        alerts,
		licenses:      licenses,
		usage:         usageReader,
		freeRetention: DefaultFreeRetention,
		topN:          DefaultTopN,
		logger:        slog.Default(),
		now:           time.Now,
		lastClass:     make(map[models.Tier]models.Classification),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Correlator returns the usage correlator
func (g *Governor) Correlator() *usage.Correlator { return g.correlator }

// Breaker returns the breaker
func (g *Governor) Breaker() *breaker.Breaker { return g.breaker }

// Alerts returns the alert dispatcher
func (g *Governor) Alerts() *alert.Dispatcher { return g.alerts }

// Licenses returns the license manager
func (g *Governor) Licenses() *license.Manager { return g.licenses }

// OnProviderCallStart registers the start of a provider call. It never
// panics and never returns an error to the host.
func (g *Governor) OnProviderCallStart(ctx context.Context, req usage.StartRequest) {
	defer g.recoverHook(ctx, "start", req.RequestID)

	if err := g.correlator.OnStart(ctx, req); err != nil {
		g.logger.WarnContext(ctx, "provider call start ignored",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
}

// OnProviderCallEnd records the completed call and runs the budget, breaker
// and alert checks. It returns the appended record, or nil when nothing was
// recorded. It never panics and never returns an error to the host.
func (g *Governor) OnProviderCallEnd(ctx context.Context, requestID string, response any) (record *models.UsageRecord) {
	defer g.recoverHook(ctx, "end", requestID)

	rec, err := g.correlator.OnComplete(ctx, requestID, response)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to record provider call",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil
	}
	if rec == nil {
		return nil
	}

	if err := g.check(ctx); err != nil {
		g.logger.ErrorContext(ctx, "budget check failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
	return rec
}

func (g *Governor) recoverHook(ctx context.Context, hook, requestID string) {
	if r := recover(); r != nil {
		metrics.RecordHookPanic(hook)
		g.logger.ErrorContext(ctx, "panic in provider hook",
			slog.String("hook", hook),
			slog.String("request_id", requestID),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
	}
}

// check runs after every recorded call. The ledger write has already
// happened, so every side effect here follows a durable record.
func (g *Governor) check(ctx context.Context) error {
	ev, err := g.evaluator.Evaluate(ctx)
	if err != nil {
		return err
	}

	decision := budget.Decide(ev)
	if decision.Trip {
		g.trip(ctx, decision)
	} else if g.autoReset && decision.Reason == budget.ReasonNoBreach {
		g.maybeAutoReset(ctx)
	}

	for _, change := range g.edges(ev) {
		alertType, _ := models.AlertTypeFor(change.Classification)
		g.dispatch(ctx, alertType, change, "")
	}
	return nil
}

func (g *Governor) trip(ctx context.Context, decision budget.TripDecision) {
	result, err := g.breaker.Trip(ctx, decision.Reason, decision.Tier, decision.Amount)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to trip breaker",
			slog.String("tier", string(decision.Tier)),
			slog.String("error", err.Error()))
		return
	}
	if result.Event == nil {
		// already tripped
		return
	}
	g.dispatch(ctx, models.AlertBreakerTrip, *decision.Status, decision.Reason)
}

// maybeAutoReset resets a breaker tripped by a budget breach. Manual trips
// carry no tier and are left for an operator.
func (g *Governor) maybeAutoReset(ctx context.Context) {
	state, last, err := g.breaker.State(ctx)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to read breaker state", slog.String("error", err.Error()))
		return
	}
	if state != models.BreakerTripped || last == nil || last.Tier == nil {
		return
	}
	if _, err := g.breaker.Reset(ctx, breaker.ResetAutomatic); err != nil {
		g.logger.ErrorContext(ctx, "automatic reset failed", slog.String("error", err.Error()))
	}
}

// edges returns the tiers whose classification changed to a non-safe value
// since the previous evaluation
func (g *Governor) edges(ev *budget.Evaluation) []models.TierStatus {
	g.edgeMu.Lock()
	defer g.edgeMu.Unlock()

	var changed []models.TierStatus
	seen := make(map[models.Tier]bool, len(ev.Order))
	for _, tier := range ev.Order {
		status := ev.Tiers[tier]
		seen[tier] = true

		prev, ok := g.lastClass[tier]
		if !ok {
			prev = models.ClassSafe
		}
		g.lastClass[tier] = status.Classification

		if status.Classification != prev && status.AlertWorthy {
			changed = append(changed, *status)
		}
	}
	for tier := range g.lastClass {
		if !seen[tier] {
			delete(g.lastClass, tier)
		}
	}
	return changed
}

func (g *Governor) dispatch(ctx context.Context, alertType models.AlertType, status models.TierStatus, reason string) {
	actx := g.alertContext(ctx, alertType, status, reason)
	if _, err := g.alerts.Dispatch(ctx, alertType, status, actx); err != nil {
		g.logger.ErrorContext(ctx, "alert dispatch failed",
			slog.String("alert_type", string(alertType)),
			slog.String("tier", string(status.Tier)),
			slog.String("error", err.Error()))
	}
}

// alertContext gathers attribution for the tier window. Query failures only
// thin out the message.
func (g *Governor) alertContext(ctx context.Context, alertType models.AlertType, status models.TierStatus, reason string) alert.Context {
	actx := alert.Context{Reason: reason}
	since := status.WindowStart
	if since.IsZero() {
		since = g.now().Add(-status.Tier.Window())
	}

	var err error
	if actx.TopProviders, err = g.usage.TopProviders(ctx, since, g.topN); err != nil {
		g.logger.WarnContext(ctx, "failed to load top providers", slog.String("error", err.Error()))
	}
	if actx.TopAgents, err = g.usage.TopAgents(ctx, since, g.topN); err != nil {
		g.logger.WarnContext(ctx, "failed to load top agents", slog.String("error", err.Error()))
	}
	if alertType == models.AlertBreakerTrip {
		if actx.TopOperations, err = g.usage.TopOperations(ctx, since, g.topN); err != nil {
			g.logger.WarnContext(ctx, "failed to load top operations", slog.String("error", err.Error()))
		}
	}
	return actx
}

// Admit reports whether a new provider call may proceed
func (g *Governor) Admit(ctx context.Context) Admission {
	state, last, err := g.breaker.State(ctx)
	if err != nil {
		// the ledger is unreadable; the provider config pause still applies
		g.logger.ErrorContext(ctx, "failed to read breaker state for admission",
			slog.String("error", err.Error()))
		return Admission{Allowed: true, State: models.BreakerArmed}
	}
	if state == models.BreakerTripped {
		metrics.RecordAdmissionDenied()
		reason := "breaker tripped"
		if last != nil && last.Reason != "" {
			reason = last.Reason
		}
		return Admission{Allowed: false, State: state, Reason: reason}
	}
	return Admission{Allowed: true, State: state}
}

// Status evaluates every tier and reads the breaker state
func (g *Governor) Status(ctx context.Context) (*Status, error) {
	ev, err := g.evaluator.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	state, last, err := g.breaker.State(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Tiers:       ev.Statuses(),
		Breaker:     state,
		LastEvent:   last,
		BreakerOn:   ev.BreakerEnabled,
		Pending:     g.correlator.Pending(),
		EvaluatedAt: ev.EvaluatedAt,
	}, nil
}

// Trip trips the breaker by hand
func (g *Governor) Trip(ctx context.Context, reason string) (*breaker.Result, error) {
	if reason == "" {
		reason = "manual trip"
	}
	return g.breaker.Trip(ctx, reason, "", 0)
}

// Reset resets the breaker by hand
func (g *Governor) Reset(ctx context.Context) (*breaker.Result, error) {
	return g.breaker.Reset(ctx, breaker.ResetManual)
}

// FreeRetention returns the longest history window readable without a license
func (g *Governor) FreeRetention() time.Duration { return g.freeRetention }

// CheckRetention reports whether wallet may read the trailing window of the
// ledger. Windows longer than the free retention require a valid license.
func (g *Governor) CheckRetention(ctx context.Context, wallet string, window time.Duration) error {
	if window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if window <= g.freeRetention {
		return nil
	}
	if g.licenses == nil || wallet == "" {
		return ErrLicenseRequired
	}
	status, err := g.licenses.HasValidLicense(ctx, wallet)
	if err != nil {
		return err
	}
	if !status.Valid {
		return ErrLicenseRequired
	}
	return nil
}

// UsageSummary aggregates the ledger over the trailing window, gated by
// CheckRetention
func (g *Governor) UsageSummary(ctx context.Context, wallet string, window time.Duration) (*models.UsageSummary, error) {
	if err := g.CheckRetention(ctx, wallet, window); err != nil {
		return nil, err
	}

	now := g.now()
	summary, err := g.usage.GetSummary(ctx, models.UsageQuery{StartTime: now.Add(-window)})
	if err != nil {
		return nil, err
	}
	summary.PeriodEnd = now
	return summary, nil
}

// SweepPending drops pending requests started more than ttl ago
func (g *Governor) SweepPending(ttl time.Duration) int {
	return g.correlator.Sweep(g.now().Add(-ttl))
}

// ParseWindow parses a window such as "24h", "7d" or "30d"
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}
