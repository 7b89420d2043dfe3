//go:build e2e
// +build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBudgetBreachTripsAndPauses drives an agent until the daily budget is
// exceeded, then checks calls are refused and providers are paused
func TestBudgetBreachTripsAndPauses(t *testing.T) {
	stack := startStack(t)
	env := stack.Env

	var mu sync.Mutex
	var alerts []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			AlertType string `json:"alert_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		alerts = append(alerts, payload.AlertType)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	require.Equal(t, http.StatusCreated, env.API(t, http.MethodPost, "/api/v1/channels", map[string]string{
		"name": "ops",
		"type": "webhook",
		"url":  hook.URL,
	}, nil))

	agent := env.NewAgent("researcher")

	// each call is 1000 prompt + 500 completion tokens = $2.00 against a $5 daily limit
	end, err := agent.Chat(t, "e2e-model")
	require.NoError(t, err)
	require.True(t, end.Recorded)
	assert.InDelta(t, 2.0, end.Record.Cost, 1e-9)
	assert.Equal(t, 1500, end.Record.TotalTokens)

	_, err = agent.Chat(t, "e2e-model")
	require.NoError(t, err)
	_, err = agent.Chat(t, "e2e-model")
	require.NoError(t, err)

	_, err = agent.Chat(t, "e2e-model")
	assert.ErrorIs(t, err, ErrRefused)

	var brk BreakerResponse
	require.Equal(t, http.StatusOK, env.API(t, http.MethodGet, "/api/v1/breaker", nil, &brk))
	assert.Equal(t, "tripped", brk.State)
	require.Len(t, brk.Events, 1)
	require.NotNil(t, brk.Events[0].Tier)
	assert.Equal(t, "daily", *brk.Events[0].Tier)

	mu.Lock()
	assert.Equal(t, []string{"warning", "breaker_trip", "exceeded"}, alerts)
	mu.Unlock()

	if stack.ProviderConfigPath != "" {
		data, err := os.ReadFile(stack.ProviderConfigPath)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(string(data), "enabled: false"))
	}

	var result BreakerResult
	require.Equal(t, http.StatusOK, env.API(t, http.MethodPost, "/api/v1/breaker/reset", nil, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "armed", result.State)

	if stack.ProviderConfigPath != "" {
		data, err := os.ReadFile(stack.ProviderConfigPath)
		require.NoError(t, err)
		assert.Equal(t, providerConfig, string(data))
	}

	// still over budget, so the next completion trips again
	_, err = agent.Chat(t, "e2e-model")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, env.API(t, http.MethodGet, "/api/v1/breaker", nil, &brk))
	assert.Equal(t, "tripped", brk.State)
}

// TestAnthropicResponseIsPriced reports a raw Anthropic messages body
func TestAnthropicResponseIsPriced(t *testing.T) {
	stack := startStack(t)
	env := stack.Env
	env.ConfigureMockProvider(t, MockProviderConfig{PromptTokens: 400, CompletionTokens: 100})

	require.Equal(t, http.StatusAccepted, env.API(t, http.MethodPost, "/api/v1/hooks/start", map[string]string{
		"request_id": "claude-1",
		"provider":   "anthropic",
		"agent_id":   "writer",
	}, nil))

	resp := env.Do(t, http.MethodPost, env.MockProviderURL+"/v1/messages", map[string]interface{}{
		"model":      "e2e-model",
		"max_tokens": 256,
		"messages":   []map[string]string{{"role": "user", "content": "draft an email"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))

	var end HookEndResponse
	require.Equal(t, http.StatusOK, env.API(t, http.MethodPost, "/api/v1/hooks/end", map[string]interface{}{
		"request_id": "claude-1",
		"response":   raw,
	}, &end))

	require.True(t, end.Recorded)
	assert.Equal(t, "e2e-model", end.Record.Model)
	assert.Equal(t, 400, end.Record.PromptTokens)
	assert.Equal(t, 100, end.Record.CompletionTokens)
	assert.InDelta(t, 0.6, end.Record.Cost, 1e-9)
}

// TestMissingUsageRecordsZeroTokens keeps the call in the ledger even when
// the provider reports no usage
func TestMissingUsageRecordsZeroTokens(t *testing.T) {
	stack := startStack(t)
	env := stack.Env
	env.ConfigureMockProvider(t, MockProviderConfig{OmitUsage: true})

	end, err := env.NewAgent("scraper").Chat(t, "e2e-model")
	require.NoError(t, err)
	require.True(t, end.Recorded)
	assert.Equal(t, 0, end.Record.TotalTokens)
	assert.Equal(t, 0.0, end.Record.Cost)

	var list struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, env.API(t, http.MethodGet, "/api/v1/usage?agent_id=scraper", nil, &list))
	assert.Equal(t, 1, list.Count)
}

// TestProviderFailureLeavesNoRecord checks a failed call is never completed
func TestProviderFailureLeavesNoRecord(t *testing.T) {
	stack := startStack(t)
	env := stack.Env
	env.ConfigureMockProvider(t, MockProviderConfig{FailCalls: true})

	_, err := env.NewAgent("flaky").Chat(t, "e2e-model")
	require.Error(t, err)

	var status struct {
		Pending int `json:"pending_requests"`
	}
	require.Equal(t, http.StatusOK, env.API(t, http.MethodGet, "/api/v1/status", nil, &status))
	assert.Equal(t, 1, status.Pending)

	var list struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, env.API(t, http.MethodGet, "/api/v1/usage", nil, &list))
	assert.Equal(t, 0, list.Count)
}
