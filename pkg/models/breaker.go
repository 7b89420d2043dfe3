package models

import "time"

// BreakerEventType is the kind of breaker transition
type BreakerEventType string

const (
	BreakerTrip  BreakerEventType = "trip"
	BreakerReset BreakerEventType = "reset"
)

// BreakerState is the derived breaker state
type BreakerState string

const (
	BreakerArmed   BreakerState = "armed"
	BreakerTripped BreakerState = "tripped"
)

// BreakerEvent is an immutable entry in the breaker event log
type BreakerEvent struct {
	ID             int64            `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Type           BreakerEventType `json:"type"`
	Reason         string           `json:"reason"`
	Tier           *Tier            `json:"tier,omitempty"`
	AmountExceeded *float64         `json:"amount_exceeded,omitempty"`
}
