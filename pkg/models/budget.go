package models

import "time"

// Tier identifies a rolling budget window
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Tiers lists every tier in evaluation order
var Tiers = []Tier{TierDaily, TierWeekly, TierMonthly}

// Window returns the rolling window length of the tier
func (t Tier) Window() time.Duration {
	switch t {
	case TierDaily:
		return 24 * time.Hour
	case TierWeekly:
		return 7 * 24 * time.Hour
	case TierMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Classification is the severity of a tier's spend against its limit
type Classification string

const (
	ClassSafe     Classification = "safe"
	ClassWarning  Classification = "warning"
	ClassCritical Classification = "critical"
	ClassExceeded Classification = "exceeded"
)

// Severity orders classifications: safe < warning < critical < exceeded
func (c Classification) Severity() int {
	switch c {
	case ClassWarning:
		return 1
	case ClassCritical:
		return 2
	case ClassExceeded:
		return 3
	default:
		return 0
	}
}

// BudgetConfig is the singleton budget configuration. A zero limit disables the tier.
type BudgetConfig struct {
	DailyLimit        float64   `json:"daily_limit"`
	WeeklyLimit       float64   `json:"weekly_limit"`
	MonthlyLimit      float64   `json:"monthly_limit"`
	AlertThresholdPct float64   `json:"alert_threshold_pct"` // e.g. 75 for 75%
	BreakerEnabled    bool      `json:"breaker_enabled"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// Limit returns the configured limit for a tier
func (c BudgetConfig) Limit(t Tier) float64 {
	switch t {
	case TierDaily:
		return c.DailyLimit
	case TierWeekly:
		return c.WeeklyLimit
	case TierMonthly:
		return c.MonthlyLimit
	default:
		return 0
	}
}

// TierStatus is the derived state of one tier. It is never persisted.
type TierStatus struct {
	Tier           Tier           `json:"tier"`
	Limit          float64        `json:"limit"`
	Used           float64        `json:"used"`
	Remaining      float64        `json:"remaining"`
	PercentUsed    int            `json:"percent_used"`
	RequestCount   int            `json:"request_count"`
	Classification Classification `json:"classification"`
	AlertWorthy    bool           `json:"alert_worthy"`
	WindowStart    time.Time      `json:"window_start"`
}
