package models

import "time"

// AlertType identifies what triggered an alert
type AlertType string

const (
	AlertWarning     AlertType = "warning"
	AlertCritical    AlertType = "critical"
	AlertExceeded    AlertType = "exceeded"
	AlertBreakerTrip AlertType = "breaker_trip"
)

// AlertTypeFor maps a non-safe classification to its alert type
func AlertTypeFor(c Classification) (AlertType, bool) {
	switch c {
	case ClassWarning:
		return AlertWarning, true
	case ClassCritical:
		return AlertCritical, true
	case ClassExceeded:
		return AlertExceeded, true
	default:
		return "", false
	}
}

// ChannelType is the transport used by an alert channel
type ChannelType string

const (
	ChannelConsole ChannelType = "console"
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
)

// ChannelConfig holds channel-specific delivery settings
type ChannelConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AlertChannel is a persisted notification target
type AlertChannel struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      ChannelType   `json:"type"`
	Config    ChannelConfig `json:"config"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
}
