package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/internal/storage"
	"github.com/spendguard/spendguard/pkg/models"
)

// Messages reported in Result.Error for rejected transitions
const (
	MsgAlreadyTripped = "breaker already tripped"
	MsgNotTripped     = "breaker not tripped"
)

// ResetReason says who reset the breaker
type ResetReason string

const (
	ResetManual    ResetReason = "manual"
	ResetAutomatic ResetReason = "automatic"
)

// EventStore defines the interface for the breaker event log
type EventStore interface {
	Append(ctx context.Context, event *models.BreakerEvent) error
	Latest(ctx context.Context) (*models.BreakerEvent, error)
}

// ProviderController disables and re-enables provider access outside this
// process
type ProviderController interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Result describes the outcome of a transition. A transition whose side
// effect failed still has Event set: the state changed, only the provider
// config did not.
type Result struct {
	Success bool                 `json:"success"`
	State   models.BreakerState  `json:"state"`
	Event   *models.BreakerEvent `json:"event,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Breaker is the armed/tripped state machine. State is never cached: it is
// read from the tail of the event log on every call.
type Breaker struct {
	events     EventStore
	controller ProviderController
	logger     *slog.Logger

	// For time mocking in tests
	now func() time.Time

	// serializes transitions
	mu sync.Mutex
}

// Option configures the breaker
type Option func(*Breaker)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(b *Breaker) {
		b.now = fn
	}
}

// New creates a new breaker. A nil controller means no external side effect.
func New(events EventStore, controller ProviderController, opts ...Option) *Breaker {
	if controller == nil {
		controller = NopController{}
	}
	b := &Breaker{
		events:     events,
		controller: controller,
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// State returns the current state and the event that produced it. The event
// is nil when the log is empty.
func (b *Breaker) State(ctx context.Context) (models.BreakerState, *models.BreakerEvent, error) {
	latest, err := b.events.Latest(ctx)
	if storage.IsNotFound(err) {
		return models.BreakerArmed, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read breaker state: %w", err)
	}
	if latest.Type == models.BreakerTrip {
		return models.BreakerTripped, latest, nil
	}
	return models.BreakerArmed, latest, nil
}

// IsTripped reports whether the latest event is a trip
func (b *Breaker) IsTripped(ctx context.Context) (bool, error) {
	state, _, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return state == models.BreakerTripped, nil
}

// Trip moves an armed breaker to tripped. The trip event is written before
// providers are paused. tier may be empty for a manual trip.
func (b *Breaker) Trip(ctx context.Context, reason string, tier models.Tier, amount float64) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _, err := b.State(ctx)
	if err != nil {
		return nil, err
	}
	if state == models.BreakerTripped {
		return &Result{Success: false, State: state, Error: MsgAlreadyTripped}, nil
	}

	event := &models.BreakerEvent{
		Timestamp: b.now(),
		Type:      models.BreakerTrip,
		Reason:    reason,
	}
	if tier != "" {
		t := tier
		a := amount
		event.Tier = &t
		event.AmountExceeded = &a
	}
	if err := b.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record trip: %w", err)
	}
	label := "manual"
	if tier != "" {
		label = string(tier)
	}
	metrics.RecordBreakerTransition(string(models.BreakerTrip), label)

	b.logger.WarnContext(ctx, "breaker tripped",
		slog.String("reason", reason),
		slog.String("tier", string(tier)),
		slog.Float64("amount_exceeded", amount))

	result := &Result{Success: true, State: models.BreakerTripped, Event: event}
	if err := b.controller.Pause(ctx); err != nil {
		metrics.RecordBreakerSideEffectFailure("pause")
		b.logger.ErrorContext(ctx, "failed to pause providers, breaker remains tripped",
			slog.String("error", err.Error()))
		result.Success = false
		result.Error = fmt.Sprintf("failed to pause providers: %v", err)
	}

	return result, nil
}

// Reset moves a tripped breaker back to armed and resumes providers
func (b *Breaker) Reset(ctx context.Context, reason ResetReason) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _, err := b.State(ctx)
	if err != nil {
		return nil, err
	}
	if state != models.BreakerTripped {
		return &Result{Success: false, State: state, Error: MsgNotTripped}, nil
	}

	event := &models.BreakerEvent{
		Timestamp: b.now(),
		Type:      models.BreakerReset,
		Reason:    string(reason),
	}
	if err := b.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record reset: %w", err)
	}
	metrics.RecordBreakerTransition(string(models.BreakerReset), string(reason))

	b.logger.InfoContext(ctx, "breaker reset",
		slog.String("reason", string(reason)))

	result := &Result{Success: true, State: models.BreakerArmed, Event: event}
	if err := b.controller.Resume(ctx); err != nil {
		metrics.RecordBreakerSideEffectFailure("resume")
		b.logger.ErrorContext(ctx, "failed to resume providers after reset",
			slog.String("error", err.Error()))
		result.Success = false
		result.Error = fmt.Sprintf("failed to resume providers: %v", err)
	}

	return result, nil
}
