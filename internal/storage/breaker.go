package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spendguard/spendguard/pkg/models"
)

// BreakerEventStore handles the append-only breaker event log
type BreakerEventStore struct {
	db *DB
}

// NewBreakerEventStore creates a new breaker event store
func NewBreakerEventStore(db *DB) *BreakerEventStore {
	return &BreakerEventStore{db: db}
}

// Append writes an event and sets its ID
func (s *BreakerEventStore) Append(ctx context.Context, event *models.BreakerEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var tier sql.NullString
	if event.Tier != nil {
		tier = sql.NullString{String: string(*event.Tier), Valid: true}
	}
	var amount sql.NullFloat64
	if event.AmountExceeded != nil {
		amount = sql.NullFloat64{Float64: *event.AmountExceeded, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO breaker_events (timestamp, event_type, reason, tier, amount_exceeded) VALUES (?, ?, ?, ?, ?)`,
		event.Timestamp.UTC(), event.Type, event.Reason, tier, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to append breaker event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read breaker event id: %w", err)
	}
	event.ID = id
	return nil
}

// Latest returns the most recent event, or ErrNotFound when the log is empty.
// Only the tail of the log is read.
func (s *BreakerEventStore) Latest(ctx context.Context) (*models.BreakerEvent, error) {
	events, err := s.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// Recent returns up to limit events, newest first
func (s *BreakerEventStore) Recent(ctx context.Context, limit int) ([]*models.BreakerEvent, error) {
	query := `
		SELECT id, timestamp, event_type, reason, tier, amount_exceeded
		FROM breaker_events
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker events: %w", err)
	}
	defer rows.Close()

	var events []*models.BreakerEvent
	for rows.Next() {
		e := &models.BreakerEvent{}
		var tier sql.NullString
		var amount sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Reason, &tier, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan breaker event: %w", err)
		}
		if tier.Valid {
			t := models.Tier(tier.String)
			e.Tier = &t
		}
		if amount.Valid {
			a := amount.Float64
			e.AmountExceeded = &a
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breaker events: %w", err)
	}
	return events, nil
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
