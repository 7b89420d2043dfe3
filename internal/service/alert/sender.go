package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spendguard/spendguard/pkg/models"
)

const (
	defaultTimeout = 10 * time.Second

	// DefaultSendInterval is the steady-state minimum gap between deliveries to one channel
	DefaultSendInterval = time.Second

	// DefaultSendBurst is how many deliveries a channel may take back to back
	DefaultSendBurst = 5
)

var (
	// ErrRateLimited is returned when a channel's delivery budget is spent
	ErrRateLimited = errors.New("channel rate limited")

	// ErrMissingURL is returned for HTTP channels without a URL
	ErrMissingURL = errors.New("channel has no url configured")
)

// DeliveryError is returned when a channel endpoint answers with a non-2xx status
type DeliveryError struct {
	ChannelType models.ChannelType
	StatusCode  int
	Body        string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: status %d: %s", e.ChannelType, e.StatusCode, e.Body)
}

// Sender delivers a message to one channel
type Sender interface {
	Send(ctx context.Context, ch *models.AlertChannel, msg Message) error
}

// ConsoleSender writes alerts as plain text
type ConsoleSender struct {
	out    io.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

// NewConsoleSender creates a console sender writing to out
func NewConsoleSender(out io.Writer, logger *slog.Logger) *ConsoleSender {
	return &ConsoleSender{out: out, logger: logger}
}

// Send writes the message and logs it
func (s *ConsoleSender) Send(ctx context.Context, ch *models.AlertChannel, msg Message) error {
	s.mu.Lock()
	_, err := fmt.Fprintf(s.out, "[SPENDGUARD ALERT] %s\n%s\n\n", msg.Title, msg.Body)
	s.mu.Unlock()

	s.logger.WarnContext(ctx, "budget alert",
		slog.String("alert_type", string(msg.Type)),
		slog.String("tier", string(msg.Tier)),
		slog.Int("percent_used", msg.Status.PercentUsed),
		slog.Float64("used", msg.Status.Used),
		slog.Float64("limit", msg.Status.Limit))

	return err
}

// throttle hands out one token bucket per channel
type throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
	burst    int
}

func newThrottle(every time.Duration, burst int) *throttle {
	return &throttle{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

// allow does not block: a spent channel fails fast so the completion path
// never waits on alert delivery
func (t *throttle) allow(channelID string) bool {
	t.mu.Lock()
	l, ok := t.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[channelID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

// HTTPSender posts JSON payloads for webhook, slack and discord channels
type HTTPSender struct {
	client   *http.Client
	throttle *throttle
	render   func(msg Message) any
	kind     models.ChannelType
}

// HTTPOption configures an HTTP sender
type HTTPOption func(*HTTPSender)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		s.client = client
	}
}

// WithRateLimit sets the per-channel delivery rate
func WithRateLimit(every time.Duration, burst int) HTTPOption {
	return func(s *HTTPSender) {
		s.throttle = newThrottle(every, burst)
	}
}

func newHTTPSender(kind models.ChannelType, render func(Message) any, opts ...HTTPOption) *HTTPSender {
	s := &HTTPSender{
		client:   &http.Client{Timeout: defaultTimeout},
		throttle: newThrottle(DefaultSendInterval, DefaultSendBurst),
		render:   render,
		kind:     kind,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWebhookSender creates a sender for generic JSON webhooks
func NewWebhookSender(opts ...HTTPOption) *HTTPSender {
	return newHTTPSender(models.ChannelWebhook, webhookPayload, opts...)
}

// NewSlackSender creates a sender for Slack incoming webhooks
func NewSlackSender(opts ...HTTPOption) *HTTPSender {
	return newHTTPSender(models.ChannelSlack, slackPayload, opts...)
}

// NewDiscordSender creates a sender for Discord webhooks
func NewDiscordSender(opts ...HTTPOption) *HTTPSender {
	return newHTTPSender(models.ChannelDiscord, discordPayload, opts...)
}

// Send posts the rendered message to the channel URL with its configured headers
func (s *HTTPSender) Send(ctx context.Context, ch *models.AlertChannel, msg Message) error {
	if ch.Config.URL == "" {
		return ErrMissingURL
	}
	if !s.throttle.allow(ch.ID) {
		return ErrRateLimited
	}

	payload, err := json.Marshal(s.render(msg))
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", s.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "spendguard")
	for k, v := range ch.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{ChannelType: s.kind, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// WebhookPayload is the body posted to generic webhooks
type WebhookPayload struct {
	AlertType     models.AlertType       `json:"alert_type"`
	Tier          models.Tier            `json:"tier"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	PercentUsed   int                    `json:"percent_used"`
	Used          float64                `json:"used"`
	Limit         float64                `json:"limit"`
	Remaining     float64                `json:"remaining"`
	TopProviders  []models.CostBreakdown `json:"top_providers,omitempty"`
	TopAgents     []models.CostBreakdown `json:"top_agents,omitempty"`
	TopOperations []*models.UsageRecord  `json:"top_operations,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

func webhookPayload(msg Message) any {
	return WebhookPayload{
		AlertType:     msg.Type,
		Tier:          msg.Tier,
		Title:         msg.Title,
		Message:       msg.Body,
		PercentUsed:   msg.Status.PercentUsed,
		Used:          msg.Status.Used,
		Limit:         msg.Status.Limit,
		Remaining:     msg.Status.Remaining,
		TopProviders:  msg.Context.TopProviders,
		TopAgents:     msg.Context.TopAgents,
		TopOperations: msg.Context.TopOperations,
		Timestamp:     msg.Timestamp.UTC(),
	}
}

type slackAttachment struct {
	Color string `json:"color"`
	Title string `json:"title"`
	Text  string `json:"text"`
	TS    int64  `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func slackPayload(msg Message) any {
	return slackMessage{
		Text: msg.Title,
		Attachments: []slackAttachment{{
			Color: Color(msg.Type),
			Title: msg.Title,
			Text:  msg.Body,
			TS:    msg.Timestamp.Unix(),
		}},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func discordPayload(msg Message) any {
	return discordMessage{
		Username: "spendguard",
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Body,
			Color:       ColorInt(msg.Type),
			Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
}
