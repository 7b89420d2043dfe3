package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	// DefaultCooldown is the minimum gap between two alerts of the same type for the same tier
	DefaultCooldown = time.Hour
)

// ChannelStore defines the interface for channel lookups
type ChannelStore interface {
	ListEnabled(ctx context.Context) ([]*models.AlertChannel, error)
}

// ChannelResult is the delivery outcome for one channel
type ChannelResult struct {
	ChannelID string             `json:"channel_id"`
	Name      string             `json:"name"`
	Type      models.ChannelType `json:"type"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
}

// DispatchResult is the outcome of one Dispatch call
type DispatchResult struct {
	Suppressed bool            `json:"suppressed"`
	Message    *Message        `json:"message,omitempty"`
	Channels   []ChannelResult `json:"channels,omitempty"`
}

// Delivered returns how many channels accepted the alert
func (r *DispatchResult) Delivered() int {
	n := 0
	for _, c := range r.Channels {
		if c.Success {
			n++
		}
	}
	return n
}

type alertKey struct {
	alertType models.AlertType
	tier      models.Tier
}

// Dispatcher fans alerts out to the enabled channels, suppressing repeats of
// the same (type, tier) within the cooldown. Last-sent times are held in
// memory only.
type Dispatcher struct {
	channels ChannelStore
	senders  map[models.ChannelType]Sender
	cooldown time.Duration
	logger   *slog.Logger

	// For time mocking in tests
	now func() time.Time

	mu       sync.Mutex
	lastSent map[alertKey]time.Time
}

// Option configures the dispatcher
type Option func(*Dispatcher)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithCooldown sets the suppression window
func WithCooldown(cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		d.cooldown = cooldown
	}
}

// WithSender registers a sender for a channel type, replacing the default
func WithSender(channelType models.ChannelType, sender Sender) Option {
	return func(d *Dispatcher) {
		d.senders[channelType] = sender
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = fn
	}
}

// New creates a new dispatcher with senders for every built-in channel type
func New(channels ChannelStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		senders:  make(map[models.ChannelType]Sender),
		cooldown: DefaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
		lastSent: make(map[alertKey]time.Time),
	}

	for _, opt := range opts {
		opt(d)
	}

	if _, ok := d.senders[models.ChannelConsole]; !ok {
		d.senders[models.ChannelConsole] = NewConsoleSender(os.Stdout, d.logger)
	}
	if _, ok := d.senders[models.ChannelWebhook]; !ok {
		d.senders[models.ChannelWebhook] = NewWebhookSender()
	}
	if _, ok := d.senders[models.ChannelSlack]; !ok {
		d.senders[models.ChannelSlack] = NewSlackSender()
	}
	if _, ok := d.senders[models.ChannelDiscord]; !ok {
		d.senders[models.ChannelDiscord] = NewDiscordSender()
	}

	return d
}

// Dispatch sends an alert to every enabled channel unless the same alert
// type for the same tier was sent within the cooldown. Channel failures are
// reported per channel and never fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, alertType models.AlertType, status models.TierStatus, actx Context) (*DispatchResult, error) {
	key := alertKey{alertType: alertType, tier: status.Tier}
	now := d.now()

	d.mu.Lock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		metrics.RecordAlertSuppressed(string(alertType))
		d.logger.DebugContext(ctx, "alert suppressed by cooldown",
			slog.String("alert_type", string(alertType)),
			slog.String("tier", string(status.Tier)),
			slog.Time("last_sent", last))
		return &DispatchResult{Suppressed: true}, nil
	}
	prev, hadPrev := d.lastSent[key]
	d.lastSent[key] = now
	d.mu.Unlock()

	channels, err := d.channels.ListEnabled(ctx)
	if err != nil {
		// the alert never went out, so it must not start a cooldown
		d.mu.Lock()
		if d.lastSent[key].Equal(now) {
			if hadPrev {
				d.lastSent[key] = prev
			} else {
				delete(d.lastSent, key)
			}
		}
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to load alert channels: %w", err)
	}

	msg := BuildMessage(alertType, status, actx, now)
	result := &DispatchResult{
		Message:  &msg,
		Channels: d.fanOut(ctx, channels, msg),
	}

	d.logger.InfoContext(ctx, "alert dispatched",
		slog.String("alert_type", string(alertType)),
		slog.String("tier", string(status.Tier)),
		slog.Int("channels", len(result.Channels)),
		slog.Int("delivered", result.Delivered()))

	return result, nil
}

// SendTest delivers a test message to a single channel, bypassing cooldown
func (d *Dispatcher) SendTest(ctx context.Context, ch *models.AlertChannel) ChannelResult {
	status := models.TierStatus{Tier: models.TierDaily, Limit: 10, Used: 7.5, Remaining: 2.5, PercentUsed: 75,
		Classification: models.ClassWarning, AlertWorthy: true}
	msg := BuildMessage(models.AlertWarning, status, Context{Reason: "test alert"}, d.now())
	msg.Title = "Test alert: " + ch.Name
	return d.deliver(ctx, ch, msg)
}

func (d *Dispatcher) fanOut(ctx context.Context, channels []*models.AlertChannel, msg Message) []ChannelResult {
	results := make([]ChannelResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch *models.AlertChannel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch *models.AlertChannel, msg Message) (result ChannelResult) {
	result = ChannelResult{ChannelID: ch.ID, Name: ch.Name, Type: ch.Type}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("sender panic: %v", r)
		}
		status := "success"
		if !result.Success {
			status = "error"
			d.logger.WarnContext(ctx, "alert delivery failed",
				slog.String("channel_id", ch.ID),
				slog.String("channel_type", string(ch.Type)),
				slog.String("error", result.Error))
		}
		metrics.RecordAlertDelivery(string(msg.Type), string(ch.Type), status)
	}()

	sender, ok := d.senders[ch.Type]
	if !ok {
		result.Error = fmt.Sprintf("no sender for channel type %q", ch.Type)
		return result
	}
	if err := sender.Send(ctx, ch, msg); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}
