package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendguard/spendguard/pkg/models"
)

// mockChannelStore implements ChannelStore for testing
type mockChannelStore struct {
	channels []*models.AlertChannel
	err      error
}

func (m *mockChannelStore) ListEnabled(ctx context.Context) ([]*models.AlertChannel, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.channels, nil
}

// mockSender records messages and optionally fails
type mockSender struct {
	mu       sync.Mutex
	messages []Message
	err      error
	panics   bool
}

func (m *mockSender) Send(ctx context.Context, ch *models.AlertChannel, msg Message) error {
	if m.panics {
		panic("boom")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.err
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dailyStatus(used float64) models.TierStatus {
	return models.TierStatus{
		Tier:           models.TierDaily,
		Limit:          10,
		Used:           used,
		Remaining:      10 - used,
		PercentUsed:    int(used * 10),
		Classification: models.ClassWarning,
		AlertWorthy:    true,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(store ChannelStore, sender Sender, clock *testClock) *Dispatcher {
	return New(store,
		WithLogger(newTestLogger()),
		WithSender(models.ChannelConsole, sender),
		WithSender(models.ChannelWebhook, sender),
		WithTimeFunc(clock.Now),
	)
}

func consoleChannel(id string) *models.AlertChannel {
	return &models.AlertChannel{ID: id, Name: id, Type: models.ChannelConsole, Enabled: true}
}

func TestDispatcher_Dispatch(t *testing.T) {
	sender := &mockSender{}
	store := &mockChannelStore{channels: []*models.AlertChannel{consoleChannel("c1")}}
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(store, sender, clock)

	result, err := d.Dispatch(context.Background(), models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	require.Len(t, result.Channels, 1)
	assert.True(t, result.Channels[0].Success)
	assert.Equal(t, 1, result.Delivered())
	assert.Equal(t, 1, sender.count())
}

func TestDispatcher_CooldownSuppresses(t *testing.T) {
	sender := &mockSender{}
	store := &mockChannelStore{channels: []*models.AlertChannel{consoleChannel("c1")}}
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(store, sender, clock)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	result, err := d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.8), Context{})
	require.NoError(t, err)
	assert.True(t, result.Suppressed)
	assert.Empty(t, result.Channels)
	assert.Equal(t, 1, sender.count())

	// re-fires once the cooldown has elapsed
	clock.Advance(time.Minute)
	result, err = d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.9), Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	assert.Equal(t, 2, sender.count())
}

func TestDispatcher_CooldownKeyedByTypeAndTier(t *testing.T) {
	sender := &mockSender{}
	store := &mockChannelStore{channels: []*models.AlertChannel{consoleChannel("c1")}}
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(store, sender, clock)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)

	result, err := d.Dispatch(ctx, models.AlertCritical, dailyStatus(9.1), Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed, "different type is not suppressed")

	weekly := dailyStatus(40)
	weekly.Tier = models.TierWeekly
	result, err = d.Dispatch(ctx, models.AlertWarning, weekly, Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed, "different tier is not suppressed")

	assert.Equal(t, 3, sender.count())
}

func TestDispatcher_ChannelIsolation(t *testing.T) {
	good := &mockSender{}
	bad := &mockSender{err: errors.New("connection refused")}
	store := &mockChannelStore{channels: []*models.AlertChannel{
		{ID: "hook", Name: "hook", Type: models.ChannelWebhook, Enabled: true},
		{ID: "console", Name: "console", Type: models.ChannelConsole, Enabled: true},
		{ID: "pager", Name: "pager", Type: "pagerduty", Enabled: true},
	}}
	clock := &testClock{now: time.Now()}
	d := New(store,
		WithLogger(newTestLogger()),
		WithSender(models.ChannelWebhook, bad),
		WithSender(models.ChannelConsole, good),
		WithTimeFunc(clock.Now),
	)

	result, err := d.Dispatch(context.Background(), models.AlertExceeded, dailyStatus(10.5), Context{})
	require.NoError(t, err)
	require.Len(t, result.Channels, 3)

	assert.False(t, result.Channels[0].Success)
	assert.Contains(t, result.Channels[0].Error, "connection refused")
	assert.True(t, result.Channels[1].Success)
	assert.False(t, result.Channels[2].Success)
	assert.Contains(t, result.Channels[2].Error, "no sender")
	assert.Equal(t, 1, good.count())
}

func TestDispatcher_SenderPanicIsContained(t *testing.T) {
	store := &mockChannelStore{channels: []*models.AlertChannel{consoleChannel("c1")}}
	clock := &testClock{now: time.Now()}
	d := newTestDispatcher(store, &mockSender{panics: true}, clock)

	result, err := d.Dispatch(context.Background(), models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)
	require.Len(t, result.Channels, 1)
	assert.False(t, result.Channels[0].Success)
	assert.Contains(t, result.Channels[0].Error, "panic")
}

func TestDispatcher_ChannelStoreErrorDoesNotStartCooldown(t *testing.T) {
	sender := &mockSender{}
	store := &mockChannelStore{err: errors.New("locked")}
	clock := &testClock{now: time.Now()}
	d := newTestDispatcher(store, sender, clock)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.6), Context{})
	assert.Error(t, err)

	store.err = nil
	store.channels = []*models.AlertChannel{consoleChannel("c1")}
	result, err := d.Dispatch(ctx, models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	assert.Equal(t, 1, sender.count())
}

func TestDispatcher_NoChannels(t *testing.T) {
	clock := &testClock{now: time.Now()}
	d := newTestDispatcher(&mockChannelStore{}, &mockSender{}, clock)

	result, err := d.Dispatch(context.Background(), models.AlertWarning, dailyStatus(7.6), Context{})
	require.NoError(t, err)
	assert.False(t, result.Suppressed)
	assert.Empty(t, result.Channels)
	require.NotNil(t, result.Message)
}

func TestDispatcher_MessageContent(t *testing.T) {
	sender := &mockSender{}
	store := &mockChannelStore{channels: []*models.AlertChannel{consoleChannel("c1")}}
	clock := &testClock{now: time.Now()}
	d := newTestDispatcher(store, sender, clock)

	actx := Context{
		TopProviders: []models.CostBreakdown{{Key: "openai", Cost: 6.10}, {Key: "anthropic", Cost: 4.40}},
		TopAgents:    []models.CostBreakdown{{Key: "researcher", Cost: 8.00}, {Key: "unattributed", Cost: 2.50}},
		TopOperations: []*models.UsageRecord{
			{RequestID: "req-9", Provider: "openai", Model: "gpt-4o", AgentID: "researcher", Cost: 1.25},
		},
		Reason: "daily budget exceeded: $10.50 of $10.00",
	}
	status := dailyStatus(10.5)
	status.PercentUsed = 105

	result, err := d.Dispatch(context.Background(), models.AlertBreakerTrip, status, actx)
	require.NoError(t, err)

	msg := result.Message
	assert.Equal(t, "Circuit breaker tripped: daily budget", msg.Title)
	assert.Contains(t, msg.Body, "Used: $10.50 of $10.00 (105%)")
	assert.Contains(t, msg.Body, "Over limit by: $0.50")
	assert.Contains(t, msg.Body, "Top providers: openai $6.10, anthropic $4.40")
	assert.Contains(t, msg.Body, "Top agents: researcher $8.00, unattributed $2.50")
	assert.Contains(t, msg.Body, "openai/gpt-4o $1.2500 (agent researcher, request req-9)")
	assert.Contains(t, msg.Body, "Reason: daily budget exceeded")
}

func TestDispatcher_SendTest(t *testing.T) {
	sender := &mockSender{}
	clock := &testClock{now: time.Now()}
	d := newTestDispatcher(&mockChannelStore{}, sender, clock)

	result := d.SendTest(context.Background(), consoleChannel("c1"))
	assert.True(t, result.Success)
	require.Equal(t, 1, sender.count())
	assert.Contains(t, sender.messages[0].Title, "Test alert")
}
