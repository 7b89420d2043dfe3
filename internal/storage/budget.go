package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spendguard/spendguard/pkg/models"
)

// BudgetStore handles the singleton budget configuration
type BudgetStore struct {
	db       *DB
	defaults models.BudgetConfig
}

// NewBudgetStore creates a new budget store. defaults is returned until a
// configuration has been written.
func NewBudgetStore(db *DB, defaults models.BudgetConfig) *BudgetStore {
	return &BudgetStore{db: db, defaults: defaults}
}

// Get returns the current budget configuration. It always reads the table.
func (s *BudgetStore) Get(ctx context.Context) (*models.BudgetConfig, error) {
	query := `
		SELECT daily_limit, weekly_limit, monthly_limit, alert_threshold_pct, breaker_enabled, updated_at
		FROM budget_config
		WHERE id = 1
	`

	cfg := &models.BudgetConfig{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.DailyLimit, &cfg.WeeklyLimit, &cfg.MonthlyLimit,
		&cfg.AlertThresholdPct, &cfg.BreakerEnabled, &cfg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := s.defaults
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget config: %w", err)
	}

	return cfg, nil
}

// Update replaces the budget configuration
func (s *BudgetStore) Update(ctx context.Context, cfg *models.BudgetConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO budget_config (id, daily_limit, weekly_limit, monthly_limit, alert_threshold_pct, breaker_enabled, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			weekly_limit = excluded.weekly_limit,
			monthly_limit = excluded.monthly_limit,
			alert_threshold_pct = excluded.alert_threshold_pct,
			breaker_enabled = excluded.breaker_enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.DailyLimit, cfg.WeeklyLimit, cfg.MonthlyLimit,
		cfg.AlertThresholdPct, cfg.BreakerEnabled, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update budget config: %w", err)
	}

	return nil
}
