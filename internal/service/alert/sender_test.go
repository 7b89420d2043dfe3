package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendguard/spendguard/pkg/models"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func testMessage(alertType models.AlertType) Message {
	status := models.TierStatus{
		Tier: models.TierDaily, Limit: 10, Used: 9.1, Remaining: 0.9,
		PercentUsed: 91, Classification: models.ClassCritical, AlertWorthy: true,
	}
	actx := Context{TopProviders: []models.CostBreakdown{{Key: "openai", Cost: 9.1, RequestCount: 3}}}
	return BuildMessage(alertType, status, actx, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
}

func TestWebhookSender_Send(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)
	sender := NewWebhookSender()

	ch := &models.AlertChannel{
		ID:   "hook",
		Type: models.ChannelWebhook,
		Config: models.ChannelConfig{
			URL:     server.URL,
			Headers: map[string]string{"X-Api-Key": "secret"},
		},
	}
	err := sender.Send(context.Background(), ch, testMessage(models.AlertCritical))
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	assert.Equal(t, "secret", reqs[0].header.Get("X-Api-Key"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	assert.Equal(t, models.AlertCritical, payload.AlertType)
	assert.Equal(t, models.TierDaily, payload.Tier)
	assert.Equal(t, 91, payload.PercentUsed)
	assert.InDelta(t, 9.1, payload.Used, 1e-9)
	require.Len(t, payload.TopProviders, 1)
	assert.Equal(t, "openai", payload.TopProviders[0].Key)
}

func TestSlackSender_Send(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)
	sender := NewSlackSender()

	ch := &models.AlertChannel{ID: "slack", Type: models.ChannelSlack, Config: models.ChannelConfig{URL: server.URL}}
	require.NoError(t, sender.Send(context.Background(), ch, testMessage(models.AlertCritical)))

	var payload struct {
		Text        string `json:"text"`
		Attachments []struct {
			Color string `json:"color"`
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"attachments"`
	}
	reqs := requests()
	require.Len(t, reqs, 1)
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "#f08a24", payload.Attachments[0].Color)
	assert.Equal(t, "Budget critical: daily spend at 91%", payload.Attachments[0].Title)
	assert.Contains(t, payload.Attachments[0].Text, "Used: $9.10 of $10.00 (91%)")
}

func TestDiscordSender_Send(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusNoContent)
	sender := NewDiscordSender()

	ch := &models.AlertChannel{ID: "discord", Type: models.ChannelDiscord, Config: models.ChannelConfig{URL: server.URL}}
	require.NoError(t, sender.Send(context.Background(), ch, testMessage(models.AlertExceeded)))

	var payload struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	reqs := requests()
	require.Len(t, reqs, 1)
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, 0xd93025, payload.Embeds[0].Color)
	assert.Contains(t, payload.Embeds[0].Title, "Budget exceeded")
}

func TestHTTPSender_NonSuccessStatus(t *testing.T) {
	server, _ := newCaptureServer(t, http.StatusInternalServerError)
	sender := NewWebhookSender()

	ch := &models.AlertChannel{ID: "hook", Type: models.ChannelWebhook, Config: models.ChannelConfig{URL: server.URL}}
	err := sender.Send(context.Background(), ch, testMessage(models.AlertWarning))

	var deliveryErr *DeliveryError
	require.True(t, errors.As(err, &deliveryErr))
	assert.Equal(t, http.StatusInternalServerError, deliveryErr.StatusCode)
	assert.Equal(t, "nope", deliveryErr.Body)
}

func TestHTTPSender_MissingURL(t *testing.T) {
	sender := NewWebhookSender()
	err := sender.Send(context.Background(), &models.AlertChannel{ID: "x"}, testMessage(models.AlertWarning))
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestHTTPSender_RateLimitedPerChannel(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)
	sender := NewWebhookSender(WithRateLimit(time.Hour, 2))
	ctx := context.Background()

	a := &models.AlertChannel{ID: "a", Config: models.ChannelConfig{URL: server.URL}}
	b := &models.AlertChannel{ID: "b", Config: models.ChannelConfig{URL: server.URL}}

	require.NoError(t, sender.Send(ctx, a, testMessage(models.AlertWarning)))
	require.NoError(t, sender.Send(ctx, a, testMessage(models.AlertWarning)))
	assert.ErrorIs(t, sender.Send(ctx, a, testMessage(models.AlertWarning)), ErrRateLimited)

	// another channel has its own budget
	require.NoError(t, sender.Send(ctx, b, testMessage(models.AlertWarning)))
	assert.Len(t, requests(), 3)
}

func TestConsoleSender_Send(t *testing.T) {
	var buf bytes.Buffer
	sender := NewConsoleSender(&buf, newTestLogger())

	err := sender.Send(context.Background(), &models.AlertChannel{ID: "c"}, testMessage(models.AlertCritical))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[SPENDGUARD ALERT] Budget critical: daily spend at 91%")
	assert.Contains(t, buf.String(), "Top providers: openai $9.10")
}

func TestColorInt(t *testing.T) {
	assert.Equal(t, 0xf2c744, ColorInt(models.AlertWarning))
	assert.Equal(t, 0xd93025, ColorInt(models.AlertBreakerTrip))
}
