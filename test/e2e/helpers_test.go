//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

// Environment variables for test configuration
const (
	EnvServerURL       = "SERVER_URL"
	EnvMockProviderURL = "MOCK_PROVIDER_URL"
	EnvTestTimeout     = "TEST_TIMEOUT"
)

// Default URLs for local testing
const (
	DefaultServerURL       = "http://localhost:8080"
	DefaultMockProviderURL = "http://localhost:8888"
	DefaultTestTimeout     = 60 * time.Second
)

// TestEnv holds the test environment configuration
type TestEnv struct {
	ServerURL       string
	MockProviderURL string
	TestTimeout     time.Duration
	HTTPClient      *http.Client
}

// NewTestEnv creates a new test environment from env vars or defaults
func NewTestEnv() *TestEnv {
	env := &TestEnv{
		ServerURL:       getEnvOrDefault(EnvServerURL, DefaultServerURL),
		MockProviderURL: getEnvOrDefault(EnvMockProviderURL, DefaultMockProviderURL),
		TestTimeout:     DefaultTestTimeout,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	if timeout := os.Getenv(EnvTestTimeout); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			env.TestTimeout = d
		}
	}

	return env
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// WaitForServer waits for the server to be healthy
func (e *TestEnv) WaitForServer(t *testing.T, timeout time.Duration) {
	t.Helper()
	e.waitHealthy(t, e.ServerURL+"/health", "Server", timeout)
}

// WaitForMockProvider waits for the mock provider to be healthy
func (e *TestEnv) WaitForMockProvider(t *testing.T, timeout time.Duration) {
	t.Helper()
	e.waitHealthy(t, e.MockProviderURL+"/health", "Mock provider", timeout)
}

func (e *TestEnv) waitHealthy(t *testing.T, url, name string, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("%s did not become healthy within %v", name, timeout)
		case <-ticker.C:
			resp, err := e.HTTPClient.Get(url)
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				return
			}
			if resp != nil {
				resp.Body.Close()
			}
		}
	}
}

// ResetMockProvider resets the mock provider state
func (e *TestEnv) ResetMockProvider(t *testing.T) {
	t.Helper()

	resp, err := e.HTTPClient.Post(e.MockProviderURL+"/_test/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// MockProviderConfig is the configuration for mock provider behavior
type MockProviderConfig struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	FailCalls        bool `json:"fail_calls,omitempty"`
	OmitUsage        bool `json:"omit_usage,omitempty"`
}

// ConfigureMockProvider configures the mock provider behavior
func (e *TestEnv) ConfigureMockProvider(t *testing.T, config MockProviderConfig) {
	t.Helper()
	resp := e.Do(t, http.MethodPost, e.MockProviderURL+"/_test/config", config)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// Do sends a JSON request to an absolute URL
func (e *TestEnv) Do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.HTTPClient.Do(req)
	require.NoError(t, err)
	return resp
}

// API sends a request to the spendguard API and decodes the response into out
func (e *TestEnv) API(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	resp := e.Do(t, method, e.ServerURL+path, body)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

// Agent is a host process that asks spendguard before every provider call
// and reports the call through the hooks
type Agent struct {
	ID     string
	env    *TestEnv
	client *openai.Client
	seq    int
}

// NewAgent creates an agent calling the mock provider with an OpenAI client
func (e *TestEnv) NewAgent(id string) *Agent {
	cfg := openai.DefaultConfig("e2e-key")
	cfg.BaseURL = e.MockProviderURL + "/v1"
	return &Agent{ID: id, env: e, client: openai.NewClientWithConfig(cfg)}
}

// ErrRefused is returned when the breaker refuses a call
var ErrRefused = errors.New("call refused by breaker")

// Chat runs one governed chat completion
func (a *Agent) Chat(t *testing.T, model string) (*HookEndResponse, error) {
	t.Helper()

	var admission Admission
	status := a.env.API(t, http.MethodGet, "/api/v1/admit", nil, &admission)
	if status == http.StatusTooManyRequests || !admission.Allowed {
		return nil, ErrRefused
	}

	a.seq++
	requestID := fmt.Sprintf("%s-%d", a.ID, a.seq)
	require.Equal(t, http.StatusAccepted, a.env.API(t, http.MethodPost, "/api/v1/hooks/start", map[string]string{
		"request_id": requestID,
		"provider":   "openai",
		"model":      model,
		"agent_id":   a.ID,
		"task_type":  "chat",
	}, nil))

	resp, err := a.client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "summarize the quarterly report"}},
	})
	if err != nil {
		return nil, err
	}

	var end HookEndResponse
	require.Equal(t, http.StatusOK, a.env.API(t, http.MethodPost, "/api/v1/hooks/end", map[string]interface{}{
		"request_id": requestID,
		"response":   resp,
	}, &end))
	return &end, nil
}

// API Request/Response types

// Admission is the response from the admit endpoint
type Admission struct {
	Allowed bool   `json:"allowed"`
	State   string `json:"state"`
	Reason  string `json:"reason"`
}

// UsageRecord is a recorded call
type UsageRecord struct {
	RequestID        string  `json:"request_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	AgentID          string  `json:"agent_id"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// HookEndResponse is the response from the completion hook
type HookEndResponse struct {
	Success  bool         `json:"success"`
	Recorded bool         `json:"recorded"`
	Record   *UsageRecord `json:"record"`
}

// BreakerEvent is a breaker log entry
type BreakerEvent struct {
	Type   string  `json:"type"`
	Reason string  `json:"reason"`
	Tier   *string `json:"tier"`
}

// BreakerResponse is the response from the breaker endpoint
type BreakerResponse struct {
	State  string          `json:"state"`
	Events []*BreakerEvent `json:"events"`
}

// BreakerResult is the outcome of a trip or reset
type BreakerResult struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Error   string `json:"error"`
}
