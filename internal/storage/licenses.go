package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendguard/spendguard/pkg/models"
)

// LicenseStore handles payment requests, payment transactions and agent licenses
type LicenseStore struct {
	db *DB
}

// NewLicenseStore creates a new license store
func NewLicenseStore(db *DB) *LicenseStore {
	return &LicenseStore{db: db}
}

// CreatePaymentRequest inserts a pending payment request
func (s *LicenseStore) CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error {
	if req.Status == "" {
		req.Status = models.PaymentPending
	}

	query := `
		INSERT INTO payment_requests (
			id, wallet, tier, amount, token, chain, duration_months,
			status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.Wallet, req.Tier, req.Amount.String(), req.Token, req.Chain, req.DurationMonths,
		req.Status, req.CreatedAt.UTC(), req.ExpiresAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create payment request: %w", err)
	}
	return nil
}

// GetPaymentRequest retrieves a payment request by ID
func (s *LicenseStore) GetPaymentRequest(ctx context.Context, id string) (*models.PaymentRequest, error) {
	query := `
		SELECT id, wallet, tier, amount, token, chain, duration_months,
			status, created_at, expires_at, completed_at, settlement_ref
		FROM payment_requests
		WHERE id = ?
	`

	req := &models.PaymentRequest{}
	var amount string
	var completedAt sql.NullTime
	var settlementRef sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.Wallet, &req.Tier, &amount, &req.Token, &req.Chain, &req.DurationMonths,
		&req.Status, &req.CreatedAt, &req.ExpiresAt, &completedAt, &settlementRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment request: %w", err)
	}

	req.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount on payment request %s: %w", id, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	if settlementRef.Valid {
		ref := settlementRef.String
		req.SettlementRef = &ref
	}
	return req, nil
}

// CompletePayment marks a pending request completed, records its transaction
// and saves the extended license in one SQL transaction, so a paid request
// never exists without its license. lic may be nil. It returns ErrConflict
// when the request is no longer pending and ErrAlreadyExists when the
// settlement reference was already used.
func (s *LicenseStore) CompletePayment(ctx context.Context, txn *models.PaymentTransaction, lic *models.AgentLicense) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	result, err := tx.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = 'completed', completed_at = ?, settlement_ref = ?
		WHERE id = ? AND status = 'pending'
	`, txn.CreatedAt.UTC(), txn.SettlementRef, txn.RequestID)
	if err != nil {
		return fmt.Errorf("failed to complete payment request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, request_id, wallet, amount, token, chain, settlement_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.RequestID, txn.Wallet, txn.Amount.String(), txn.Token, txn.Chain, txn.SettlementRef, txn.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to record payment transaction: %w", err)
	}

	if lic != nil {
		if err := upsertLicense(ctx, tx, lic); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	return nil
}

// ListTransactions returns the payment transactions of a wallet, newest first
func (s *LicenseStore) ListTransactions(ctx context.Context, wallet string) ([]*models.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, wallet, amount, token, chain, settlement_ref, created_at
		FROM payment_transactions
		WHERE wallet = ?
		ORDER BY created_at DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.PaymentTransaction
	for rows.Next() {
		t := &models.PaymentTransaction{}
		var amount string
		if err := rows.Scan(&t.ID, &t.RequestID, &t.Wallet, &amount, &t.Token, &t.Chain, &t.SettlementRef, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount on transaction %s: %w", t.ID, err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment transactions: %w", err)
	}
	return txns, nil
}

// GetLicense retrieves the license of a wallet
func (s *LicenseStore) GetLicense(ctx context.Context, wallet string) (*models.AgentLicense, error) {
	lic := &models.AgentLicense{}
	var paidUntil sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT wallet, tier, paid_until, created_at, updated_at FROM agent_licenses WHERE wallet = ?`,
		wallet,
	).Scan(&lic.Wallet, &lic.Tier, &paidUntil, &lic.CreatedAt, &lic.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	if paidUntil.Valid {
		t := paidUntil.Time
		lic.PaidUntil = &t
	}
	return lic, nil
}

// UpsertLicense creates or replaces the license of a wallet
func (s *LicenseStore) UpsertLicense(ctx context.Context, lic *models.AgentLicense) error {
	return upsertLicense(ctx, s.db, lic)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertLicense(ctx context.Context, ex execer, lic *models.AgentLicense) error {
	now := time.Now().UTC()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	lic.UpdatedAt = now

	var paidUntil sql.NullTime
	if lic.PaidUntil != nil {
		paidUntil = sql.NullTime{Time: lic.PaidUntil.UTC(), Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO agent_licenses (wallet, tier, paid_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			tier = excluded.tier,
			paid_until = excluded.paid_until,
			updated_at = excluded.updated_at
	`, lic.Wallet, lic.Tier, paidUntil, lic.CreatedAt.UTC(), lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert license: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
