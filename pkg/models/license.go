package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a payment request
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

// LicenseTier is the entitlement level of a wallet
type LicenseTier string

const (
	LicenseFree LicenseTier = "free"
	LicensePro  LicenseTier = "pro"
)

// PaymentRequest is an issued request for payment by a wallet
type PaymentRequest struct {
	ID             string          `json:"id"`
	Wallet         string          `json:"wallet"`
	Tier           string          `json:"tier"` // pricing tier name, e.g. "pro_annual"
	Amount         decimal.Decimal `json:"amount"`
	Token          string          `json:"token"`
	Chain          string          `json:"chain"`
	DurationMonths int             `json:"duration_months"`
	Status         PaymentStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	SettlementRef  *string         `json:"settlement_ref,omitempty"`
}

// PaymentTransaction records a verified settlement
type PaymentTransaction struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	Wallet        string          `json:"wallet"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Chain         string          `json:"chain"`
	SettlementRef string          `json:"settlement_ref"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AgentLicense is the entitlement granted to a wallet
type AgentLicense struct {
	Wallet    string      `json:"wallet"`
	Tier      LicenseTier `json:"tier"`
	PaidUntil *time.Time  `json:"paid_until,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ValidAt reports whether the license is paid beyond t
func (l *AgentLicense) ValidAt(t time.Time) bool {
	return l != nil && l.PaidUntil != nil && l.PaidUntil.After(t)
}

// PaymentDescriptor is returned to the caller to relay to a payment channel
type PaymentDescriptor struct {
	RequestID      string    `json:"request_id"`
	Recipient      string    `json:"recipient"`
	Amount         string    `json:"amount"`
	Token          string    `json:"token"`
	Chain          string    `json:"chain"`
	Tier           string    `json:"tier"`
	DurationMonths int       `json:"duration_months"`
	ExpiresAt      time.Time `json:"expires_at"`
	Memo           string    `json:"memo"`
}

// LicenseStatus is computed on read by comparing paid-until to now
type LicenseStatus struct {
	Wallet        string      `json:"wallet"`
	Valid         bool        `json:"valid"`
	Tier          LicenseTier `json:"tier"`
	Expiry        *time.Time  `json:"expiry,omitempty"`
	DaysRemaining int         `json:"days_remaining"`
}
