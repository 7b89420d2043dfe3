package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	// DefaultMaxPending bounds the in-flight request table
	DefaultMaxPending = 10000
)

// ErrMissingRequestID is returned when a start event has no request ID
var ErrMissingRequestID = errors.New("request_id is required")

// UsageStore defines the interface for usage persistence
type UsageStore interface {
	Append(ctx context.Context, record *models.UsageRecord) error
}

// StartRequest describes a provider call that is about to be made
type StartRequest struct {
	RequestID string          `json:"request_id"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TaskType  string          `json:"task_type,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Correlator pairs call starts with completions and turns each matched pair
// into a priced usage record
type Correlator struct {
	store      UsageStore
	extractors *ExtractorRegistry
	pricing    *PricingTable
	logger     *slog.Logger
	maxPending int

	// For time mocking in tests
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*models.PendingRequest
}

// Option configures the correlator
type Option func(*Correlator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithExtractors sets the token extraction registry
func WithExtractors(r *ExtractorRegistry) Option {
	return func(c *Correlator) {
		c.extractors = r
	}
}

// WithPricing sets the pricing table
func WithPricing(p *PricingTable) Option {
	return func(c *Correlator) {
		c.pricing = p
	}
}

// WithMaxPending sets the pending table capacity
func WithMaxPending(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(c *Correlator) {
		c.now = fn
	}
}

// New creates a new correlator
func New(store UsageStore, opts ...Option) *Correlator {
	c := &Correlator{
		store:      store,
		extractors: NewExtractorRegistry(),
		pricing:    NewPricingTable(DefaultPrices()),
		logger:     slog.Default(),
		maxPending: DefaultMaxPending,
		now:        time.Now,
		pending:    make(map[string]*models.PendingRequest),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnStart registers a pending request. A second start for the same request ID
// replaces the first.
func (c *Correlator) OnStart(ctx context.Context, req StartRequest) error {
	if req.RequestID == "" {
		return ErrMissingRequestID
	}

	p := &models.PendingRequest{
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Model:     req.Model,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TaskType:  req.TaskType,
		Metadata:  req.Metadata,
		StartedAt: c.now(),
	}

	c.mu.Lock()
	_, duplicate := c.pending[req.RequestID]
	var evicted *models.PendingRequest
	if !duplicate && len(c.pending) >= c.maxPending {
		evicted = c.evictOldestLocked()
	}
	c.pending[req.RequestID] = p
	size := len(c.pending)
	c.mu.Unlock()

	metrics.SetPendingRequests(size)

	if duplicate {
		c.logger.WarnContext(ctx, "duplicate start for pending request, replacing",
			slog.String("request_id", req.RequestID),
			slog.String("provider", req.Provider))
	}
	if evicted != nil {
		metrics.RecordPendingEvicted("overflow", 1)
		c.logger.WarnContext(ctx, "pending request table full, evicted oldest entry",
			slog.String("evicted_request_id", evicted.RequestID),
			slog.Time("evicted_started_at", evicted.StartedAt),
			slog.Int("capacity", c.maxPending))
	}

	return nil
}

func (c *Correlator) evictOldestLocked() *models.PendingRequest {
	var oldest *models.PendingRequest
	for _, p := range c.pending {
		if oldest == nil || p.StartedAt.Before(oldest.StartedAt) {
			oldest = p
		}
	}
	if oldest != nil {
		delete(c.pending, oldest.RequestID)
	}
	return oldest
}

// OnComplete resolves a pending request with the provider response, prices
// it and appends the usage record. A completion with no matching start
// returns (nil, nil).
func (c *Correlator) OnComplete(ctx context.Context, requestID string, response any) (*models.UsageRecord, error) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	size := len(c.pending)
	c.mu.Unlock()

	if !ok {
		metrics.RecordUnmatchedCompletion()
		c.logger.DebugContext(ctx, "completion without matching start",
			slog.String("request_id", requestID))
		return nil, nil
	}
	metrics.SetPendingRequests(size)

	now := c.now()
	counts, model := c.extract(ctx, p, response)

	cost, priced := c.pricing.Cost(p.Provider, model, counts)
	if !priced {
		metrics.RecordPricingMissing(p.Provider, model)
		c.logger.WarnContext(ctx, "no price for model, recording zero cost",
			slog.String("provider", p.Provider),
			slog.String("model", model))
	}

	record := &models.UsageRecord{
		RequestID:        p.RequestID,
		Timestamp:        now,
		Provider:         p.Provider,
		Model:            model,
		AgentID:          p.AgentID,
		SessionID:        p.SessionID,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
		TotalTokens:      counts.TotalTokens,
		Cost:             cost,
		TaskType:         p.TaskType,
		LatencyMS:        now.Sub(p.StartedAt).Milliseconds(),
		Metadata:         p.Metadata,
	}

	if err := c.store.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record usage for %s: %w", requestID, err)
	}

	metrics.RecordUsage(record.Provider, record.PromptTokens, record.CompletionTokens, record.Cost)

	c.logger.DebugContext(ctx, "usage recorded",
		slog.String("request_id", record.RequestID),
		slog.String("provider", record.Provider),
		slog.String("model", record.Model),
		slog.Int("total_tokens", record.TotalTokens),
		slog.Float64("cost", record.Cost))

	return record, nil
}

// extract reads token counts and, when the start carried none, the model
// name from the response. Failures yield zero counts.
func (c *Correlator) extract(ctx context.Context, p *models.PendingRequest, response any) (models.TokenCounts, string) {
	model := p.Model

	if counts, ok := directCounts(response); ok {
		return counts, model
	}

	body, err := responseBody(response)
	if err == nil {
		if model == "" {
			model = readModelField(body)
		}
		var counts models.TokenCounts
		counts, err = c.extractors.Extract(p.Provider, body)
		if err == nil {
			return counts, model
		}
	}

	metrics.RecordExtractionFailure(p.Provider)
	c.logger.WarnContext(ctx, "could not extract token usage, recording zero tokens",
		slog.String("request_id", p.RequestID),
		slog.String("provider", p.Provider),
		slog.String("error", err.Error()))
	return models.TokenCounts{}, model
}

// Pending returns the number of in-flight requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sweep drops pending requests started before the cutoff and returns how
// many were removed
func (c *Correlator) Sweep(olderThan time.Time) int {
	c.mu.Lock()
	removed := 0
	for id, p := range c.pending {
		if p.StartedAt.Before(olderThan) {
			delete(c.pending, id)
			removed++
		}
	}
	size := len(c.pending)
	c.mu.Unlock()

	metrics.SetPendingRequests(size)
	if removed > 0 {
		metrics.RecordPendingEvicted("expired", removed)
		c.logger.Info("swept abandoned pending requests",
			slog.Int("removed", removed),
			slog.Time("older_than", olderThan))
	}
	return removed
}
