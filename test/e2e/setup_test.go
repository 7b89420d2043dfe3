//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spendguard/spendguard/internal/api"
	"github.com/spendguard/spendguard/internal/service/alert"
	"github.com/spendguard/spendguard/internal/service/breaker"
	"github.com/spendguard/spendguard/internal/service/budget"
	"github.com/spendguard/spendguard/internal/service/governor"
	"github.com/spendguard/spendguard/internal/service/license"
	"github.com/spendguard/spendguard/internal/service/usage"
	"github.com/spendguard/spendguard/internal/storage"
	"github.com/spendguard/spendguard/pkg/models"
	"github.com/spendguard/spendguard/test/mockprovider"
)

// providerConfig is the host's provider file the breaker pauses
const providerConfig = `providers:
  openai:
    enabled: true
    api_key_env: OPENAI_API_KEY
  anthropic:
    enabled: true
`

// Stack is one isolated spendguard server plus mock LLM provider
type Stack struct {
	Env                *TestEnv
	Provider           *mockprovider.Server
	ProviderConfigPath string
}

// startStack runs an in-process server and mock provider. When SERVER_URL
// and MOCK_PROVIDER_URL are set the external servers are used instead.
func startStack(t *testing.T) *Stack {
	t.Helper()

	if os.Getenv(EnvServerURL) != "" && os.Getenv(EnvMockProviderURL) != "" {
		env := NewTestEnv()
		env.WaitForServer(t, env.TestTimeout)
		env.WaitForMockProvider(t, env.TestTimeout)
		env.ResetMockProvider(t)
		return &Stack{Env: env}
	}

	ctx := context.Background()
	dir := t.TempDir()

	providerServer := mockprovider.NewServer(mockprovider.NewState())
	mockTS := httptest.NewServer(providerServer)
	t.Cleanup(mockTS.Close)

	configPath := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(providerConfig), 0o644))

	db, err := storage.New(filepath.Join(dir, "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usageStore := storage.NewUsageStore(db)
	budgets := storage.NewBudgetStore(db, models.BudgetConfig{
		DailyLimit:        5,
		AlertThresholdPct: 70,
		BreakerEnabled:    true,
	})
	events := storage.NewBreakerEventStore(db)
	channels := storage.NewAlertChannelStore(db)

	prices := usage.DefaultPrices()
	prices["openai"]["e2e-model"] = models.ModelPrice{PromptPer1K: 1.0, CompletionPer1K: 2.0}
	prices["anthropic"]["e2e-model"] = models.ModelPrice{PromptPer1K: 1.0, CompletionPer1K: 2.0}

	gov := governor.New(
		usage.New(usageStore, usage.WithLogger(logger), usage.WithPricing(usage.NewPricingTable(prices))),
		budget.New(budgets, usageStore, budget.WithLogger(logger)),
		breaker.New(events, breaker.NewYAMLProviderConfig(configPath, nil, breaker.WithYAMLLogger(logger)), breaker.WithLogger(logger)),
		alert.New(channels, alert.WithLogger(logger)),
		license.New(storage.NewLicenseStore(db), license.Config{Recipient: "0x000000000000000000000000000000000000dEaD"}, license.WithLogger(logger)),
		usageStore,
		governor.WithLogger(logger),
	)

	apiServer := api.New(gov, budgets, channels, events, usageStore, api.WithLogger(logger))
	apiServer.SetReady(true)
	serverTS := httptest.NewServer(apiServer.Router())
	t.Cleanup(serverTS.Close)

	env := NewTestEnv()
	env.ServerURL = serverTS.URL
	env.MockProviderURL = mockTS.URL

	return &Stack{Env: env, Provider: providerServer, ProviderConfigPath: configPath}
}
