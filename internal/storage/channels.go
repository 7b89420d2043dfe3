package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spendguard/spendguard/pkg/models"
)

// AlertChannelStore handles the alert channel registry
type AlertChannelStore struct {
	db *DB
}

// NewAlertChannelStore creates a new alert channel store
func NewAlertChannelStore(db *DB) *AlertChannelStore {
	return &AlertChannelStore{db: db}
}

// Create inserts a channel
func (s *AlertChannelStore) Create(ctx context.Context, ch *models.AlertChannel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_channels (id, name, type, config, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.Type, string(cfg), ch.Enabled, ch.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create alert channel: %w", err)
	}
	return nil
}

// Get retrieves a channel by ID
func (s *AlertChannelStore) Get(ctx context.Context, id string) (*models.AlertChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, config, enabled, created_at FROM alert_channels WHERE id = ?`, id)

	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert channel: %w", err)
	}
	return ch, nil
}

// List returns all channels, optionally only the enabled ones
func (s *AlertChannelStore) List(ctx context.Context, enabledOnly bool) ([]*models.AlertChannel, error) {
	query := `SELECT id, name, type, config, enabled, created_at FROM alert_channels`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.AlertChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert channels: %w", err)
	}
	return channels, nil
}

// ListEnabled returns enabled channels
func (s *AlertChannelStore) ListEnabled(ctx context.Context) ([]*models.AlertChannel, error) {
	return s.List(ctx, true)
}

// SetEnabled toggles a channel
func (s *AlertChannelStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE alert_channels SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update alert channel: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a channel
func (s *AlertChannelStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert channel: %w", err)
	}
	return requireAffected(result)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(row rowScanner) (*models.AlertChannel, error) {
	ch := &models.AlertChannel{}
	var cfg string
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &cfg, &ch.Enabled, &ch.CreatedAt); err != nil {
		return nil, err
	}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &ch.Config); err != nil {
			return nil, fmt.Errorf("invalid config for channel %s: %w", ch.ID, err)
		}
	}
	return ch, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
