package cmd

import (
	"time"

	"github.com/spendguard/spendguard/pkg/models"
)

// Re-export server models for CLI use
type (
	TierStatus        = models.TierStatus
	BreakerEvent      = models.BreakerEvent
	BudgetConfig      = models.BudgetConfig
	UsageRecord       = models.UsageRecord
	UsageSummary      = models.UsageSummary
	AlertChannel      = models.AlertChannel
	PaymentDescriptor = models.PaymentDescriptor
	LicenseStatus     = models.LicenseStatus
)

// StatusResponse is the response from the status endpoint
type StatusResponse struct {
	Tiers       []TierStatus  `json:"tiers"`
	Breaker     string        `json:"breaker"`
	LastEvent   *BreakerEvent `json:"last_event,omitempty"`
	BreakerOn   bool          `json:"breaker_enabled"`
	Pending     int           `json:"pending_requests"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// BreakerResponse is the breaker state with recent events
type BreakerResponse struct {
	State  string          `json:"state"`
	Last   *BreakerEvent   `json:"last_event,omitempty"`
	Events []*BreakerEvent `json:"events"`
}

// BreakerResult is the outcome of a trip or reset
type BreakerResult struct {
	Success bool          `json:"success"`
	State   string        `json:"state"`
	Event   *BreakerEvent `json:"event,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ChannelTestResult is the outcome of a test alert
type ChannelTestResult struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// VerifyResponse is the response from payment verification
type VerifyResponse struct {
	Success bool `json:"success"`
	Result  struct {
		RequestID     string         `json:"request_id"`
		TransactionID string         `json:"transaction_id"`
		License       *LicenseStatus `json:"license"`
	} `json:"result"`
}
