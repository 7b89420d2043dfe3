package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
	Pricing    []PriceConfig    `mapstructure:"pricing"`
	Licensing  LicensingConfig  `mapstructure:"licensing"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// BudgetConfig holds the budget used until one is written through the API
type BudgetConfig struct {
	DailyLimit        float64 `mapstructure:"daily_limit"`
	WeeklyLimit       float64 `mapstructure:"weekly_limit"`
	MonthlyLimit      float64 `mapstructure:"monthly_limit"`
	AlertThresholdPct float64 `mapstructure:"alert_threshold_pct"`
	BreakerEnabled    bool    `mapstructure:"breaker_enabled"`
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// ProviderConfigPath is the host's provider YAML. Empty disables pause/resume.
	ProviderConfigPath string   `mapstructure:"provider_config_path"`
	Providers          []string `mapstructure:"providers"` // empty means every provider
	AutoReset          bool     `mapstructure:"auto_reset"`
}

// AlertsConfig holds alert dispatch configuration
type AlertsConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	SendBurst    int           `mapstructure:"send_burst"`
	TopN         int           `mapstructure:"top_n"`
}

// CorrelatorConfig holds pending request table configuration
type CorrelatorConfig struct {
	MaxPending    int           `mapstructure:"max_pending"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
}

// PriceConfig is one model price. Listed rather than keyed because model
// names contain dots.
type PriceConfig struct {
	Provider        string  `mapstructure:"provider"`
	Model           string  `mapstructure:"model"`
	PromptPer1K     float64 `mapstructure:"prompt_per_1k"`
	CompletionPer1K float64 `mapstructure:"completion_per_1k"`
}

// LicensingConfig holds payment and license configuration
type LicensingConfig struct {
	Recipient         string                       `mapstructure:"recipient"`
	Token             string                       `mapstructure:"token"`
	Chain             string                       `mapstructure:"chain"`
	RequestTTL        time.Duration                `mapstructure:"request_ttl"`
	FreeRetentionDays int                          `mapstructure:"free_retention_days"`
	Tiers             map[string]LicenseTierConfig `mapstructure:"tiers"`
}

// LicenseTierConfig is a purchasable license duration
type LicenseTierConfig struct {
	Amount         string `mapstructure:"amount"` // decimal string, e.g. "10.00"
	DurationMonths int    `mapstructure:"duration_months"`
}

// SchedulerConfig holds background job configuration
type SchedulerConfig struct {
	SummarySchedule string `mapstructure:"summary_schedule"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.path", "./data/spendguard.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Budget defaults: no limits until configured
	v.SetDefault("budget.daily_limit", 0)
	v.SetDefault("budget.weekly_limit", 0)
	v.SetDefault("budget.monthly_limit", 0)
	v.SetDefault("budget.alert_threshold_pct", 80)
	v.SetDefault("budget.breaker_enabled", true)

	// Breaker defaults
	v.SetDefault("breaker.provider_config_path", "")
	v.SetDefault("breaker.auto_reset", false)

	// Alert defaults
	v.SetDefault("alerts.cooldown", time.Hour)
	v.SetDefault("alerts.send_interval", time.Second)
	v.SetDefault("alerts.send_burst", 5)
	v.SetDefault("alerts.top_n", 5)

	// Correlator defaults
	v.SetDefault("correlator.max_pending", 10000)
	v.SetDefault("correlator.sweep_schedule", "*/5 * * * *")
	v.SetDefault("correlator.pending_ttl", time.Hour)

	// Licensing defaults
	v.SetDefault("licensing.token", "USDC")
	v.SetDefault("licensing.chain", "base")
	v.SetDefault("licensing.request_ttl", 24*time.Hour)
	v.SetDefault("licensing.free_retention_days", 7)
	v.SetDefault("licensing.tiers", map[string]any{
		"pro":        map[string]any{"amount": "10", "duration_months": 1},
		"pro_annual": map[string]any{"amount": "100", "duration_months": 12},
	})

	// Scheduler defaults
	v.SetDefault("scheduler.summary_schedule", "0 * * * *")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")

	// Budget
	bindEnv("budget.daily_limit", "BUDGET_DAILY_LIMIT")
	bindEnv("budget.weekly_limit", "BUDGET_WEEKLY_LIMIT")
	bindEnv("budget.monthly_limit", "BUDGET_MONTHLY_LIMIT")

	// Breaker
	bindEnv("breaker.provider_config_path", "PROVIDER_CONFIG_PATH")
	bindEnv("breaker.auto_reset", "BREAKER_AUTO_RESET")

	// Licensing
	bindEnv("licensing.recipient", "LICENSE_RECIPIENT")
	bindEnv("licensing.chain", "LICENSE_CHAIN")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	if c.Budget.DailyLimit < 0 || c.Budget.WeeklyLimit < 0 || c.Budget.MonthlyLimit < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}
	if c.Budget.AlertThresholdPct < 0 || c.Budget.AlertThresholdPct >= 100 {
		return fmt.Errorf("alert threshold must be between 0 and 100")
	}

	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alert cooldown must not be negative")
	}

	if c.Correlator.MaxPending <= 0 {
		return fmt.Errorf("correlator max_pending must be positive")
	}

	for _, schedule := range []string{c.Correlator.SweepSchedule, c.Scheduler.SummarySchedule} {
		if schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
		}
	}

	for i, p := range c.Pricing {
		if p.Provider == "" || p.Model == "" {
			return fmt.Errorf("pricing entry %d needs a provider and model", i)
		}
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			return fmt.Errorf("pricing for %s/%s must not be negative", p.Provider, p.Model)
		}
	}

	if c.Licensing.FreeRetentionDays <= 0 {
		return fmt.Errorf("licensing free_retention_days must be positive")
	}
	for name, tier := range c.Licensing.Tiers {
		amount, err := decimal.NewFromString(tier.Amount)
		if err != nil || !amount.IsPositive() {
			return fmt.Errorf("license tier %s has an invalid amount %q", name, tier.Amount)
		}
		if tier.DurationMonths <= 0 {
			return fmt.Errorf("license tier %s needs a positive duration", name)
		}
	}

	return nil
}
