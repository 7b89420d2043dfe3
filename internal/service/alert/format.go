package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spendguard/spendguard/pkg/models"
)

// Context carries the attribution shown in an alert
type Context struct {
	TopProviders  []models.CostBreakdown `json:"top_providers,omitempty"`
	TopAgents     []models.CostBreakdown `json:"top_agents,omitempty"`
	TopOperations []*models.UsageRecord  `json:"top_operations,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// Message is a rendered alert, independent of the transport
type Message struct {
	Type      models.AlertType  `json:"alert_type"`
	Tier      models.Tier       `json:"tier"`
	Title     string            `json:"title"`
	Body      string            `json:"message"`
	Status    models.TierStatus `json:"status"`
	Context   Context           `json:"context"`
	Timestamp time.Time         `json:"timestamp"`
}

// BuildMessage renders an alert for a tier status
func BuildMessage(alertType models.AlertType, status models.TierStatus, actx Context, now time.Time) Message {
	return Message{
		Type:      alertType,
		Tier:      status.Tier,
		Title:     title(alertType, status),
		Body:      body(alertType, status, actx),
		Status:    status,
		Context:   actx,
		Timestamp: now,
	}
}

func title(alertType models.AlertType, s models.TierStatus) string {
	switch alertType {
	case models.AlertWarning:
		return fmt.Sprintf("Budget warning: %s spend at %d%%", s.Tier, s.PercentUsed)
	case models.AlertCritical:
		return fmt.Sprintf("Budget critical: %s spend at %d%%", s.Tier, s.PercentUsed)
	case models.AlertExceeded:
		return fmt.Sprintf("Budget exceeded: %s spend at %d%%", s.Tier, s.PercentUsed)
	case models.AlertBreakerTrip:
		return fmt.Sprintf("Circuit breaker tripped: %s budget", s.Tier)
	default:
		return fmt.Sprintf("Budget alert: %s", s.Tier)
	}
}

func body(alertType models.AlertType, s models.TierStatus, actx Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tier: %s\n", s.Tier)
	fmt.Fprintf(&b, "Used: $%.2f of $%.2f (%d%%)\n", s.Used, s.Limit, s.PercentUsed)
	if s.Used > s.Limit {
		fmt.Fprintf(&b, "Over limit by: $%.2f\n", s.Used-s.Limit)
	} else {
		fmt.Fprintf(&b, "Remaining: $%.2f\n", s.Remaining)
	}
	if s.RequestCount > 0 {
		fmt.Fprintf(&b, "Requests in window: %d\n", s.RequestCount)
	}

	if len(actx.TopProviders) > 0 {
		fmt.Fprintf(&b, "Top providers: %s\n", joinBreakdown(actx.TopProviders))
	}
	if len(actx.TopAgents) > 0 {
		fmt.Fprintf(&b, "Top agents: %s\n", joinBreakdown(actx.TopAgents))
	}

	if alertType == models.AlertBreakerTrip {
		if actx.Reason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", actx.Reason)
		}
		if len(actx.TopOperations) > 0 {
			b.WriteString("Most expensive operations:\n")
			for _, op := range actx.TopOperations {
				agent := op.AgentID
				if agent == "" {
					agent = "unattributed"
				}
				fmt.Fprintf(&b, "  - %s/%s $%.4f (agent %s, request %s)\n",
					op.Provider, op.Model, op.Cost, agent, op.RequestID)
			}
		}
		b.WriteString("All provider calls are paused until the breaker is reset.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func joinBreakdown(items []models.CostBreakdown) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s $%.2f", item.Key, item.Cost))
	}
	return strings.Join(parts, ", ")
}

// Color returns the hex color for an alert type
func Color(alertType models.AlertType) string {
	switch alertType {
	case models.AlertWarning:
		return "#f2c744"
	case models.AlertCritical:
		return "#f08a24"
	case models.AlertExceeded, models.AlertBreakerTrip:
		return "#d93025"
	default:
		return "#808080"
	}
}

// ColorInt returns the color as an integer, as Discord embeds expect
func ColorInt(alertType models.AlertType) int {
	n, _ := strconv.ParseInt(strings.TrimPrefix(Color(alertType), "#"), 16, 32)
	return int(n)
}
