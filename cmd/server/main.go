package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spendguard/spendguard/internal/api"
	"github.com/spendguard/spendguard/internal/config"
	"github.com/spendguard/spendguard/internal/logging"
	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/internal/service/alert"
	"github.com/spendguard/spendguard/internal/service/breaker"
	"github.com/spendguard/spendguard/internal/service/budget"
	"github.com/spendguard/spendguard/internal/service/governor"
	"github.com/spendguard/spendguard/internal/service/license"
	"github.com/spendguard/spendguard/internal/service/usage"
	"github.com/spendguard/spendguard/internal/storage"
	"github.com/spendguard/spendguard/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting spendguard server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	usageStore := storage.NewUsageStore(db)
	budgetStore := storage.NewBudgetStore(db, models.BudgetConfig{
		DailyLimit:        cfg.Budget.DailyLimit,
		WeeklyLimit:       cfg.Budget.WeeklyLimit,
		MonthlyLimit:      cfg.Budget.MonthlyLimit,
		AlertThresholdPct: cfg.Budget.AlertThresholdPct,
		BreakerEnabled:    cfg.Budget.BreakerEnabled,
	})
	eventStore := storage.NewBreakerEventStore(db)
	channelStore := storage.NewAlertChannelStore(db)
	licenseStore := storage.NewLicenseStore(db)

	// Initialize components
	correlator := usage.New(usageStore,
		usage.WithLogger(logger),
		usage.WithPricing(usage.NewPricingTable(buildPrices(cfg.Pricing))),
		usage.WithMaxPending(cfg.Correlator.MaxPending))

	evaluator := budget.New(budgetStore, usageStore, budget.WithLogger(logger))

	var controller breaker.ProviderController = breaker.NopController{}
	if cfg.Breaker.ProviderConfigPath != "" {
		controller = breaker.NewYAMLProviderConfig(cfg.Breaker.ProviderConfigPath, cfg.Breaker.Providers,
			breaker.WithYAMLLogger(logger))
		logger.Info("breaker will pause providers in config file",
			slog.String("path", cfg.Breaker.ProviderConfigPath),
			slog.Any("providers", cfg.Breaker.Providers))
	} else {
		logger.Warn("no provider config path set, breaker trips will not pause providers")
	}
	brk := breaker.New(eventStore, controller, breaker.WithLogger(logger))

	httpOpts := []alert.HTTPOption{}
	if cfg.Alerts.SendInterval > 0 {
		httpOpts = append(httpOpts, alert.WithRateLimit(cfg.Alerts.SendInterval, cfg.Alerts.SendBurst))
	}
	dispatcher := alert.New(channelStore,
		alert.WithLogger(logger),
		alert.WithCooldown(cfg.Alerts.Cooldown),
		alert.WithSender(models.ChannelWebhook, alert.NewWebhookSender(httpOpts...)),
		alert.WithSender(models.ChannelSlack, alert.NewSlackSender(httpOpts...)),
		alert.WithSender(models.ChannelDiscord, alert.NewDiscordSender(httpOpts...)))

	tiers, err := buildTiers(cfg.Licensing.Tiers)
	if err != nil {
		logger.Error("invalid license tiers", slog.String("error", err.Error()))
		os.Exit(1)
	}
	licenses := license.New(licenseStore, license.Config{
		Recipient: cfg.Licensing.Recipient,
		Token:     cfg.Licensing.Token,
		Chain:     cfg.Licensing.Chain,
		Tiers:     tiers,
	},
		license.WithLogger(logger),
		license.WithRequestTTL(cfg.Licensing.RequestTTL))

	gov := governor.New(correlator, evaluator, brk, dispatcher, licenses, usageStore,
		governor.WithLogger(logger),
		governor.WithAutoReset(cfg.Breaker.AutoReset),
		governor.WithFreeRetention(time.Duration(cfg.Licensing.FreeRetentionDays)*24*time.Hour),
		governor.WithTopN(cfg.Alerts.TopN))

	// Replay breaker state into metrics before taking traffic
	tripped, err := brk.IsTripped(ctx)
	if err != nil {
		logger.Error("failed to read breaker state", slog.String("error", err.Error()))
		os.Exit(1)
	}
	metrics.InitializeBreakerMetrics(ctx, tripped)
	if tripped {
		logger.Warn("breaker is tripped from a previous run, provider calls will be refused until reset")
	}

	scheduler := governor.NewScheduler(gov, governor.SchedulerConfig{
		SweepSchedule:   cfg.Correlator.SweepSchedule,
		PendingTTL:      cfg.Correlator.PendingTTL,
		SummarySchedule: cfg.Scheduler.SummarySchedule,
	}, logger)

	// Initialize API server (not ready yet)
	server := api.New(gov, budgetStore, channelStore, eventStore, usageStore,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port))

	// Start background services
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Mark server as ready
	server.SetReady(true)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Stop background services
		scheduler.Stop()
		cancel()

		if n := correlator.Pending(); n > 0 {
			logger.Warn("dropping pending requests without completions", slog.Int("count", n))
		}

		// Shutdown HTTP server
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadConfig reads the file named by SPENDGUARD_CONFIG when set, else the
// environment alone
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("SPENDGUARD_CONFIG"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildPrices overlays configured prices on the built-in table
func buildPrices(configured []config.PriceConfig) map[string]map[string]models.ModelPrice {
	prices := usage.DefaultPrices()
	for _, p := range configured {
		provider := strings.ToLower(p.Provider)
		if prices[provider] == nil {
			prices[provider] = make(map[string]models.ModelPrice)
		}
		prices[provider][strings.ToLower(p.Model)] = models.ModelPrice{
			PromptPer1K:     p.PromptPer1K,
			CompletionPer1K: p.CompletionPer1K,
		}
	}
	return prices
}

func buildTiers(configured map[string]config.LicenseTierConfig) (map[string]license.PricingTier, error) {
	if len(configured) == 0 {
		return license.DefaultTiers(), nil
	}
	tiers := make(map[string]license.PricingTier, len(configured))
	for name, t := range configured {
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("tier %s: invalid amount %q: %w", name, t.Amount, err)
		}
		tiers[name] = license.PricingTier{Amount: amount, DurationMonths: t.DurationMonths}
	}
	return tiers, nil
}
