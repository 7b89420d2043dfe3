package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spendguard/spendguard/pkg/models"
)

// UsageStore handles usage ledger persistence. Records are append-only.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Append writes a usage record. The timestamp is stored in UTC; window
// queries depend on it.
func (s *UsageStore) Append(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	query := `
		INSERT INTO usage_records (
			id, request_id, timestamp, provider, model, agent_id, session_id,
			prompt_tokens, completion_tokens, total_tokens, cost, task_type,
			latency_ms, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.RequestID, record.Timestamp.UTC(), record.Provider, record.Model,
		record.AgentID, record.SessionID,
		record.PromptTokens, record.CompletionTokens, record.TotalTokens, record.Cost,
		record.TaskType, record.LatencyMS, nullBytes(record.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	return nil
}

// WindowTotals returns total cost and request count for records at or after since.
// Timestamps are compared as text, so every write and bound must be in UTC.
func (s *UsageStore) WindowTotals(ctx context.Context, since time.Time) (float64, int, error) {
	query := `SELECT COALESCE(SUM(cost), 0), COUNT(*) FROM usage_records WHERE timestamp >= ?`

	var total float64
	var count int
	if err := s.db.QueryRowContext(ctx, query, since.UTC()).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("failed to get window totals: %w", err)
	}

	return total, count, nil
}

// TopProviders returns the most expensive providers since the given time
func (s *UsageStore) TopProviders(ctx context.Context, since time.Time, limit int) ([]models.CostBreakdown, error) {
	return s.breakdown(ctx, "provider", since, limit)
}

// TopAgents returns the most expensive agents since the given time.
// Calls without an agent identifier are grouped under "unattributed".
func (s *UsageStore) TopAgents(ctx context.Context, since time.Time, limit int) ([]models.CostBreakdown, error) {
	return s.breakdown(ctx, "CASE WHEN agent_id = '' THEN 'unattributed' ELSE agent_id END", since, limit)
}

// breakdown groups cost by a fixed column expression. column is never user input.
func (s *UsageStore) breakdown(ctx context.Context, column string, since time.Time, limit int) ([]models.CostBreakdown, error) {
	query := fmt.Sprintf(`
		SELECT %s AS k, COALESCE(SUM(cost), 0) AS total, COUNT(*)
		FROM usage_records
		WHERE timestamp >= ?
		GROUP BY k
		ORDER BY total DESC, k ASC
		LIMIT ?
	`, column)

	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get cost breakdown: %w", err)
	}
	defer rows.Close()

	var result []models.CostBreakdown
	for rows.Next() {
		var b models.CostBreakdown
		if err := rows.Scan(&b.Key, &b.Cost, &b.RequestCount); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown row: %w", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakdown rows: %w", err)
	}
	return result, nil
}

// TopOperations returns the most expensive individual calls since the given time
func (s *UsageStore) TopOperations(ctx context.Context, since time.Time, limit int) ([]*models.UsageRecord, error) {
	query := `
		SELECT
			id, request_id, timestamp, provider, model, agent_id, session_id,
			prompt_tokens, completion_tokens, total_tokens, cost, task_type,
			latency_ms, metadata
		FROM usage_records
		WHERE timestamp >= ?
		ORDER BY cost DESC, timestamp DESC
		LIMIT ?
	`
	return s.queryRecords(ctx, query, since.UTC(), limit)
}

// List returns records matching the query, newest first
func (s *UsageStore) List(ctx context.Context, q models.UsageQuery, limit int) ([]*models.UsageRecord, error) {
	where, args := usageWhere(q)
	query := `
		SELECT
			id, request_id, timestamp, provider, model, agent_id, session_id,
			prompt_tokens, completion_tokens, total_tokens, cost, task_type,
			latency_ms, metadata
		FROM usage_records` + where + `
		ORDER BY timestamp DESC
		LIMIT ?
	`
	args = append(args, limit)
	return s.queryRecords(ctx, query, args...)
}

// Count returns the number of records in the ledger
func (s *UsageStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return count, nil
}

// GetSummary returns aggregated usage for the given query
func (s *UsageStore) GetSummary(ctx context.Context, q models.UsageQuery) (*models.UsageSummary, error) {
	where, args := usageWhere(q)

	summary := &models.UsageSummary{
		ByProvider:  make(map[string]float64),
		ByModel:     make(map[string]float64),
		ByAgent:     make(map[string]float64),
		PeriodStart: q.StartTime,
		PeriodEnd:   q.EndTime,
	}

	totalsQuery := `
		SELECT COALESCE(SUM(cost), 0), COUNT(*),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM usage_records` + where

	err := s.db.QueryRowContext(ctx, totalsQuery, args...).Scan(
		&summary.TotalCost,
		&summary.RequestCount,
		&summary.PromptTokens,
		&summary.CompletionTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	groups := []struct {
		column string
		target map[string]float64
	}{
		{"provider", summary.ByProvider},
		{"model", summary.ByModel},
		{"CASE WHEN agent_id = '' THEN 'unattributed' ELSE agent_id END", summary.ByAgent},
	}

	for _, g := range groups {
		groupQuery := fmt.Sprintf(`SELECT %s AS k, COALESCE(SUM(cost), 0) FROM usage_records%s GROUP BY k`, g.column, where)
		if err := s.scanGroup(ctx, groupQuery, args, g.target); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

func (s *UsageStore) scanGroup(ctx context.Context, query string, args []interface{}, target map[string]float64) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to get usage breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var amount float64
		if err := rows.Scan(&key, &amount); err != nil {
			return fmt.Errorf("failed to scan usage breakdown row: %w", err)
		}
		target[key] = amount
	}
	return rows.Err()
}

func (s *UsageStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		r := &models.UsageRecord{}
		var metadata sql.NullString
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Timestamp, &r.Provider, &r.Model, &r.AgentID, &r.SessionID,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.TaskType,
			&r.LatencyMS, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			r.Metadata = []byte(metadata.String)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func usageWhere(q models.UsageQuery) (string, []interface{}) {
	where := " WHERE 1=1"
	var args []interface{}

	if q.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.Provider != "" {
		where += " AND provider = ?"
		args = append(args, q.Provider)
	}
	if !q.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, q.StartTime.UTC())
	}
	if !q.EndTime.IsZero() {
		where += " AND timestamp < ?"
		args = append(args, q.EndTime.UTC())
	}
	return where, args
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
