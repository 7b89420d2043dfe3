package models

import (
	"encoding/json"
	"time"
)

// UsageRecord is a single priced provider call. Records are immutable once written.
type UsageRecord struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	Timestamp        time.Time       `json:"timestamp"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	AgentID          string          `json:"agent_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             float64         `json:"cost"` // USD, never negative
	TaskType         string          `json:"task_type,omitempty"`
	LatencyMS        int64           `json:"latency_ms"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// PendingRequest is a provider call that has started but not completed yet
type PendingRequest struct {
	RequestID string          `json:"request_id"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TaskType  string          `json:"task_type,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	StartedAt time.Time       `json:"started_at"`
}

// TokenCounts holds the token usage extracted from a provider response
type TokenCounts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelPrice is the per-1K token price of a model
type ModelPrice struct {
	PromptPer1K     float64 `json:"prompt_per_1k" mapstructure:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k" mapstructure:"completion_per_1k"`
}

// CostBreakdown is the aggregated cost of one provider, agent or model in a window
type CostBreakdown struct {
	Key          string  `json:"key"`
	Cost         float64 `json:"cost"`
	RequestCount int     `json:"request_count"`
}

// UsageQuery defines criteria for querying usage
type UsageQuery struct {
	AgentID   string    `json:"agent_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// UsageSummary provides aggregated usage information for a window
type UsageSummary struct {
	TotalCost        float64            `json:"total_cost"`
	RequestCount     int                `json:"request_count"`
	PromptTokens     int64              `json:"prompt_tokens"`
	CompletionTokens int64              `json:"completion_tokens"`
	ByProvider       map[string]float64 `json:"by_provider,omitempty"`
	ByModel          map[string]float64 `json:"by_model,omitempty"`
	ByAgent          map[string]float64 `json:"by_agent,omitempty"`
	PeriodStart      time.Time          `json:"period_start,omitempty"`
	PeriodEnd        time.Time          `json:"period_end,omitempty"`
}
