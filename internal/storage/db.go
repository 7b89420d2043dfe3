package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL keeps readers (status queries) off the writer's back
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Wrap adapts an existing *sql.DB (used by tests with sqlmock)
func Wrap(db *sql.DB) *DB {
	return &DB{db}
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationUsage,
		migrationBudget,
		migrationBreakerEvents,
		migrationAlertChannels,
		migrationPayments,
		migrationLicenses,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationUsage = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0 CHECK (cost >= 0),
	task_type TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	metadata TEXT
);
`

// budget_config holds a single row (id = 1)
const migrationBudget = `
CREATE TABLE IF NOT EXISTS budget_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	daily_limit REAL NOT NULL DEFAULT 0,
	weekly_limit REAL NOT NULL DEFAULT 0,
	monthly_limit REAL NOT NULL DEFAULT 0,
	alert_threshold_pct REAL NOT NULL DEFAULT 80,
	breaker_enabled INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);
`

const migrationBreakerEvents = `
CREATE TABLE IF NOT EXISTS breaker_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL CHECK (event_type IN ('trip', 'reset')),
	reason TEXT NOT NULL DEFAULT '',
	tier TEXT,
	amount_exceeded REAL
);
`

const migrationAlertChannels = `
CREATE TABLE IF NOT EXISTS alert_channels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`

const migrationPayments = `
CREATE TABLE IF NOT EXISTS payment_requests (
	id TEXT PRIMARY KEY,
	wallet TEXT NOT NULL,
	tier TEXT NOT NULL,
	amount TEXT NOT NULL,
	token TEXT NOT NULL,
	chain TEXT NOT NULL,
	duration_months INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed')),
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	completed_at DATETIME,
	settlement_ref TEXT
);

CREATE TABLE IF NOT EXISTS payment_transactions (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	wallet TEXT NOT NULL,
	amount TEXT NOT NULL,
	token TEXT NOT NULL,
	chain TEXT NOT NULL,
	settlement_ref TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,

	FOREIGN KEY (request_id) REFERENCES payment_requests(id)
);
`

const migrationLicenses = `
CREATE TABLE IF NOT EXISTS agent_licenses (
	wallet TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'free',
	paid_until DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_agent_time ON usage_records(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_request_id ON usage_records(request_id);
CREATE INDEX IF NOT EXISTS idx_breaker_events_timestamp ON breaker_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_payment_requests_wallet ON payment_requests(wallet);
CREATE INDEX IF NOT EXISTS idx_payment_requests_status ON payment_requests(status);
CREATE INDEX IF NOT EXISTS idx_payment_transactions_wallet ON payment_transactions(wallet);
`
