package cmd

// The CLI keeps cobra flag values in package-level variables, so tests that
// touch them hold testMu and restore a snapshot on cleanup. Only the pure
// function tests at the bottom run in parallel.

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
)

// testMu protects global state during tests that cannot run in parallel.
var testMu sync.Mutex

// globalStateSnapshot holds every package-level flag variable
type globalStateSnapshot struct {
	serverURL    string
	outputFormat string

	usageAgentID  string
	usageProvider string
	usageWindow   string
	usageLimit    int
	usageWallet   string

	budgetDaily     float64
	budgetWeekly    float64
	budgetMonthly   float64
	budgetThreshold float64
	budgetBreaker   bool

	breakerReason string

	channelName string
	channelType string
	channelURL  string

	payWallet    string
	payTier      string
	payRequestID string
	payTxHash    string
}

func saveGlobalState() globalStateSnapshot {
	return globalStateSnapshot{
		serverURL:       serverURL,
		outputFormat:    outputFormat,
		usageAgentID:    usageAgentID,
		usageProvider:   usageProvider,
		usageWindow:     usageWindow,
		usageLimit:      usageLimit,
		usageWallet:     usageWallet,
		budgetDaily:     budgetDaily,
		budgetWeekly:    budgetWeekly,
		budgetMonthly:   budgetMonthly,
		budgetThreshold: budgetThreshold,
		budgetBreaker:   budgetBreaker,
		breakerReason:   breakerReason,
		channelName:     channelName,
		channelType:     channelType,
		channelURL:      channelURL,
		payWallet:       payWallet,
		payTier:         payTier,
		payRequestID:    payRequestID,
		payTxHash:       payTxHash,
	}
}

func restoreGlobalState(saved globalStateSnapshot) {
	serverURL = saved.serverURL
	outputFormat = saved.outputFormat
	usageAgentID = saved.usageAgentID
	usageProvider = saved.usageProvider
	usageWindow = saved.usageWindow
	usageLimit = saved.usageLimit
	usageWallet = saved.usageWallet
	budgetDaily = saved.budgetDaily
	budgetWeekly = saved.budgetWeekly
	budgetMonthly = saved.budgetMonthly
	budgetThreshold = saved.budgetThreshold
	budgetBreaker = saved.budgetBreaker
	breakerReason = saved.breakerReason
	channelName = saved.channelName
	channelType = saved.channelType
	channelURL = saved.channelURL
	payWallet = saved.payWallet
	payTier = saved.payTier
	payRequestID = saved.payRequestID
	payTxHash = saved.payTxHash
}

func resetGlobalStateToDefaults() {
	restoreGlobalState(globalStateSnapshot{
		serverURL:    "http://localhost:8080",
		outputFormat: "table",
		usageLimit:   50,
		usageWindow:  "",
		channelType:  "console",
		payTier:      "pro",
	})
}

// setupTestWithCleanup locks global state and restores it when the test ends
func setupTestWithCleanup(t *testing.T) {
	t.Helper()

	testMu.Lock()
	saved := saveGlobalState()
	resetGlobalStateToDefaults()

	t.Cleanup(func() {
		restoreGlobalState(saved)
		testMu.Unlock()
	})
}

// setupMockServer starts a server and points serverURL at it. It is closed
// before the global state is restored.
func setupMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})
	serverURL = server.URL
	return server
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var mockStatus = map[string]interface{}{
	"tiers": []interface{}{
		map[string]interface{}{
			"tier":           "daily",
			"limit":          10.0,
			"used":           8.5,
			"remaining":      1.5,
			"percent_used":   85,
			"request_count":  42,
			"classification": "warning",
		},
	},
	"breaker":          "armed",
	"breaker_enabled":  true,
	"pending_requests": 3,
}

func TestStatusCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, mockStatus)
	})

	output := captureOutput(func() {
		if err := runStatus(nil, nil); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	for _, want := range []string{"daily", "$8.50", "85%", "warning", "Breaker:   armed", "Pending:   3 calls"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestStatusCommand_JSON(t *testing.T) {
	setupTestWithCleanup(t)
	outputFormat = "json"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mockStatus)
	})

	output := captureOutput(func() {
		if err := runStatus(nil, nil); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	var decoded StatusResponse
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	if decoded.Pending != 3 || len(decoded.Tiers) != 1 {
		t.Errorf("unexpected decoded status: %+v", decoded)
	}
}

func TestAdmitCommand_Refused(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"allowed": false,
			"state":   "tripped",
			"reason":  "daily budget exceeded",
		})
	})

	output := captureOutput(func() {
		if err := runAdmit(nil, nil); err != nil {
			t.Errorf("runAdmit returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Refused: breaker is tripped (daily budget exceeded)") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestUsageCommand_WithFilters(t *testing.T) {
	setupTestWithCleanup(t)
	usageAgentID = "researcher"
	usageProvider = "openai"
	usageWindow = "30d"
	usageWallet = "0xabc"

	var capturedQuery string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records": []interface{}{
				map[string]interface{}{
					"id":           "rec-1",
					"request_id":   "call-1",
					"timestamp":    "2026-04-01T12:00:00Z",
					"provider":     "openai",
					"model":        "gpt-4o",
					"agent_id":     "researcher",
					"total_tokens": 1500,
					"cost":         0.0125,
					"latency_ms":   840,
				},
			},
			"count": 1,
		})
	})

	output := captureOutput(func() {
		if err := runUsageList(nil, nil); err != nil {
			t.Errorf("runUsageList returned error: %v", err)
		}
	})

	for _, want := range []string{"agent_id=researcher", "provider=openai", "window=30d", "wallet=0xabc", "limit=50"} {
		if !strings.Contains(capturedQuery, want) {
			t.Errorf("expected query to contain %q, got: %s", want, capturedQuery)
		}
	}
	for _, want := range []string{"gpt-4o", "researcher", "$0.0125", "840ms", "Total: 1 records"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestUsageCommand_Empty(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": []interface{}{}, "count": 0})
	})

	output := captureOutput(func() {
		if err := runUsageList(nil, nil); err != nil {
			t.Errorf("runUsageList returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No usage recorded.") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestUsageSummaryCommand(t *testing.T) {
	setupTestWithCleanup(t)
	usageWindow = "30d"
	usageWallet = "0xabc"

	var capturedQuery string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_cost":    12.5,
			"request_count": 100,
			"by_provider":   map[string]float64{"openai": 10, "anthropic": 2.5},
		})
	})

	output := captureOutput(func() {
		if err := runUsageSummary(nil, nil); err != nil {
			t.Errorf("runUsageSummary returned error: %v", err)
		}
	})

	if !strings.Contains(capturedQuery, "window=30d") || !strings.Contains(capturedQuery, "wallet=0xabc") {
		t.Errorf("unexpected query: %s", capturedQuery)
	}
	if !strings.Contains(output, "$12.50") {
		t.Errorf("expected total cost in output, got: %s", output)
	}
	// most expensive provider first
	if strings.Index(output, "openai") > strings.Index(output, "anthropic") {
		t.Errorf("expected providers sorted by cost, got: %s", output)
	}
}

func TestUsageSummaryCommand_LicenseRequired(t *testing.T) {
	setupTestWithCleanup(t)
	usageWindow = "30d"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "a valid license is required for this window"})
	})

	err := runUsageSummary(nil, nil)
	if err == nil {
		t.Fatal("expected error for unlicensed window")
	}
	if !strings.Contains(err.Error(), "402") || !strings.Contains(err.Error(), "license is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBudgetSetCommand_OnlyChangedFlags(t *testing.T) {
	setupTestWithCleanup(t)

	flags := budgetSetCmd.Flags()
	if err := flags.Set("daily", "25"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		flags.Set("daily", "0")
		flags.Lookup("daily").Changed = false
	})

	var put map[string]interface{}
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"daily_limit":         10.0,
				"monthly_limit":       300.0,
				"alert_threshold_pct": 80.0,
				"breaker_enabled":     true,
			})
		case http.MethodPut:
			json.NewDecoder(r.Body).Decode(&put)
			writeJSON(w, http.StatusOK, put)
		default:
			t.Errorf("unexpected method: %s", r.Method)
		}
	})

	output := captureOutput(func() {
		if err := runBudgetSet(budgetSetCmd, nil); err != nil {
			t.Errorf("runBudgetSet returned error: %v", err)
		}
	})

	if put["daily_limit"] != 25.0 {
		t.Errorf("expected daily_limit 25, got %v", put["daily_limit"])
	}
	if put["monthly_limit"] != 300.0 {
		t.Errorf("expected monthly_limit to be kept, got %v", put["monthly_limit"])
	}
	if put["breaker_enabled"] != true {
		t.Errorf("expected breaker_enabled to be kept, got %v", put["breaker_enabled"])
	}
	if !strings.Contains(output, "Weekly:     disabled") {
		t.Errorf("expected disabled weekly tier, got: %s", output)
	}
}

func TestBreakerCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state": "tripped",
			"events": []interface{}{
				map[string]interface{}{
					"id":              1,
					"timestamp":       "2026-04-01T12:00:00Z",
					"type":            "trip",
					"reason":          "daily budget exceeded: $10.50 of $10.00",
					"tier":            "daily",
					"amount_exceeded": 0.5,
				},
			},
		})
	})

	output := captureOutput(func() {
		if err := runBreakerShow(nil, nil); err != nil {
			t.Errorf("runBreakerShow returned error: %v", err)
		}
	})

	for _, want := range []string{"Breaker: tripped", "trip", "daily", "$0.50"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestBreakerTripCommand(t *testing.T) {
	setupTestWithCleanup(t)
	breakerReason = "runaway loop"

	var body map[string]string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/breaker/trip" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"state":   "tripped",
			"event":   map[string]interface{}{"id": 1, "type": "trip", "reason": "runaway loop"},
		})
	})

	output := captureOutput(func() {
		if err := runBreakerTrip(nil, nil); err != nil {
			t.Errorf("runBreakerTrip returned error: %v", err)
		}
	})

	if body["reason"] != "runaway loop" {
		t.Errorf("expected reason in body, got %v", body)
	}
	if !strings.Contains(output, "Breaker is now tripped") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestBreakerResetCommand_NotTripped(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"state":   "armed",
			"error":   "breaker not tripped",
		})
	})

	output := captureOutput(func() {
		if err := runBreakerReset(nil, nil); err != nil {
			t.Errorf("runBreakerReset returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No change: breaker not tripped") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestChannelsCommands(t *testing.T) {
	setupTestWithCleanup(t)
	channelName = "ops"
	channelType = "slack"
	channelURL = "https://hooks.slack.com/services/T/B/X"

	var created map[string]interface{}
	var deleted bool
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/channels":
			json.NewDecoder(r.Body).Decode(&created)
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"id": "ch-1", "name": "ops", "type": "slack", "enabled": true,
				"config": map[string]string{"url": channelURL},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/channels":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"channels": []interface{}{map[string]interface{}{
					"id": "ch-1", "name": "ops", "type": "slack", "enabled": true,
					"config": map[string]string{"url": channelURL},
				}},
				"count": 1,
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/channels/ch-1":
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	output := captureOutput(func() {
		if err := runChannelsAdd(nil, nil); err != nil {
			t.Errorf("runChannelsAdd returned error: %v", err)
		}
		if err := runChannelsList(nil, nil); err != nil {
			t.Errorf("runChannelsList returned error: %v", err)
		}
		if err := runChannelsDelete(nil, []string{"ch-1"}); err != nil {
			t.Errorf("runChannelsDelete returned error: %v", err)
		}
	})

	if created["type"] != "slack" || created["url"] != channelURL {
		t.Errorf("unexpected create body: %v", created)
	}
	if !deleted {
		t.Error("expected delete request")
	}
	for _, want := range []string{"Channel ch-1 created (slack)", "ops", "Channel ch-1 deleted"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestChannelsTestCommand_Failure(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"channel_id": "ch-1", "name": "ops", "type": "webhook",
			"success": false, "error": "webhook returned status 500",
		})
	})

	err := runChannelsTest(nil, []string{"ch-1"})
	if err == nil {
		t.Fatal("expected error for failed test alert")
	}
	if !strings.Contains(err.Error(), "webhook returned status 500") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPayRequestCommand(t *testing.T) {
	setupTestWithCleanup(t)
	payWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	payTier = "pro_annual"

	var body map[string]string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"request_id":      "pay_123",
			"recipient":       "0xrecipient",
			"amount":          "100.00",
			"token":           "USDC",
			"chain":           "base",
			"tier":            "pro_annual",
			"duration_months": 12,
			"expires_at":      "2026-04-02T12:00:00Z",
			"memo":            "spendguard:pay_123",
		})
	})

	output := captureOutput(func() {
		if err := runPayRequest(nil, nil); err != nil {
			t.Errorf("runPayRequest returned error: %v", err)
		}
	})

	if body["tier"] != "pro_annual" || body["wallet"] != payWallet {
		t.Errorf("unexpected body: %v", body)
	}
	for _, want := range []string{"pay_123", "100.00 USDC on base", "0xrecipient", "12 month(s)"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestPayRequestCommand_NoWallet(t *testing.T) {
	setupTestWithCleanup(t)

	err := runPayRequest(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "--wallet is required") {
		t.Errorf("expected wallet error, got: %v", err)
	}
}

func TestPayVerifyCommand(t *testing.T) {
	setupTestWithCleanup(t)
	payWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	payRequestID = "pay_123"
	payTxHash = "0xabc"

	var body map[string]string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result": map[string]interface{}{
				"request_id":     "pay_123",
				"transaction_id": "txn-9",
				"license": map[string]interface{}{
					"wallet":         "0x52908400098527886e0f7030069857d2e4169ee7",
					"valid":          true,
					"tier":           "pro",
					"expiry":         "2026-05-01T12:00:00Z",
					"days_remaining": 30,
				},
			},
		})
	})

	output := captureOutput(func() {
		if err := runPayVerify(nil, nil); err != nil {
			t.Errorf("runPayVerify returned error: %v", err)
		}
	})

	if body["settlement_ref"] != "0xabc" || body["request_id"] != "pay_123" {
		t.Errorf("unexpected body: %v", body)
	}
	for _, want := range []string{"transaction txn-9", "Valid:      yes", "30 days"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestLicenseCommand_Free(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"wallet": "0xabc", "valid": false, "tier": "free"})
	})

	output := captureOutput(func() {
		if err := runLicense(nil, []string{"0xabc"}); err != nil {
			t.Errorf("runLicense returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Tier:       free") || !strings.Contains(output, "Valid:      no") {
		t.Errorf("unexpected output: %s", output)
	}
}

// TestServerConnectionError tests handling when server is unreachable
func TestServerConnectionError(t *testing.T) {
	setupTestWithCleanup(t)
	serverURL = "http://localhost:1"

	err := runStatus(nil, nil)
	if err == nil {
		t.Error("expected error for unreachable server")
	}
	if !strings.Contains(err.Error(), "failed to connect to server") {
		t.Errorf("expected 'failed to connect to server' error, got: %v", err)
	}
}

// TestServerErrorResponse tests handling of non-200 server responses
func TestServerErrorResponse(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "failed to get status: disk full"}`))
	})

	err := runStatus(nil, nil)
	if err == nil {
		t.Fatal("expected error for server error response")
	}
	if !strings.Contains(err.Error(), "server error (500): failed to get status: disk full") {
		t.Errorf("unexpected error: %v", err)
	}
}

// =============================================================================
// Parallel-safe tests for pure functions
// =============================================================================

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"exactly max", "hello", 5, "hello"},
		{"longer than max", "hello world", 8, "hello..."},
		{"max of three", "hello", 3, "hel"},
		{"empty", "", 5, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncateString(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestFormatLimit(t *testing.T) {
	t.Parallel()

	if got := formatLimit(0); got != "disabled" {
		t.Errorf("formatLimit(0) = %q", got)
	}
	if got := formatLimit(12.5); got != "$12.50" {
		t.Errorf("formatLimit(12.5) = %q", got)
	}
}
