package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendguard/spendguard/internal/metrics"
	"github.com/spendguard/spendguard/internal/storage"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	// DefaultRequestTTL is how long a payment request can be settled
	DefaultRequestTTL = 24 * time.Hour

	// RequestIDPrefix prefixes every payment request id
	RequestIDPrefix = "pay_"
)

var (
	ErrInvalidTier        = errors.New("invalid pricing tier")
	ErrInvalidWallet      = errors.New("invalid wallet address")
	ErrMalformedRequest   = errors.New("malformed verification request")
	ErrPaymentNotFound    = errors.New("payment request not found")
	ErrAlreadyProcessed   = errors.New("payment already processed")
	ErrWalletMismatch     = errors.New("wallet does not match payment request")
	ErrPaymentExpired     = errors.New("payment request expired")
	ErrSettlementRejected = errors.New("settlement reference rejected")
)

// PricingTier is a purchasable license duration
type PricingTier struct {
	Amount         decimal.Decimal `json:"amount"`
	DurationMonths int             `json:"duration_months"`
}

// DefaultTiers returns the built-in pricing table
func DefaultTiers() map[string]PricingTier {
	return map[string]PricingTier{
		"pro":        {Amount: decimal.NewFromInt(10), DurationMonths: 1},
		"pro_annual": {Amount: decimal.NewFromInt(100), DurationMonths: 12},
	}
}

// Config holds the payment destination and pricing
type Config struct {
	Recipient string
	Token     string
	Chain     string
	Tiers     map[string]PricingTier
}

// Store defines the persistence the manager needs
type Store interface {
	CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error
	GetPaymentRequest(ctx context.Context, id string) (*models.PaymentRequest, error)
	CompletePayment(ctx context.Context, txn *models.PaymentTransaction, lic *models.AgentLicense) error
	GetLicense(ctx context.Context, wallet string) (*models.AgentLicense, error)
	UpsertLicense(ctx context.Context, lic *models.AgentLicense) error
}

// VerifyRequest asks the manager to settle a payment request
type VerifyRequest struct {
	RequestID     string `json:"request_id" binding:"required"`
	SettlementRef string `json:"settlement_ref" binding:"required"`
	Wallet        string `json:"wallet" binding:"required"`
}

// VerifyResult is returned after a successful verification
type VerifyResult struct {
	RequestID     string                `json:"request_id"`
	TransactionID string                `json:"transaction_id"`
	License       *models.LicenseStatus `json:"license"`
}

// Manager issues payment requests, verifies settlements and grants licenses
type Manager struct {
	store      Store
	cfg        Config
	verifier   SettlementVerifier
	requestTTL time.Duration
	logger     *slog.Logger

	// For time mocking in tests
	now func() time.Time

	// serializes read-modify-write of license expiry
	grantMu sync.Mutex
}

// Option configures the manager
type Option func(*Manager)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithVerifier replaces the settlement verifier
func WithVerifier(v SettlementVerifier) Option {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithRequestTTL sets how long payment requests stay open
func WithRequestTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.requestTTL = ttl
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(m *Manager) {
		m.now = fn
	}
}

// New creates a new license manager
func New(store Store, cfg Config, opts ...Option) *Manager {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Token == "" {
		cfg.Token = "USDC"
	}
	if cfg.Chain == "" {
		cfg.Chain = "base"
	}

	m := &Manager{
		store:      store,
		cfg:        cfg,
		verifier:   FormatVerifier{},
		requestTTL: DefaultRequestTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Tiers returns the pricing tier names in sorted order
func (m *Manager) Tiers() []string {
	names := make([]string, 0, len(m.cfg.Tiers))
	for name := range m.cfg.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateRequest issues a pending payment request for a wallet
func (m *Manager) CreateRequest(ctx context.Context, wallet, tier string) (*models.PaymentDescriptor, error) {
	pricing, ok := m.cfg.Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if !ValidWallet(wallet) {
		return nil, ErrInvalidWallet
	}

	now := m.now()
	req := &models.PaymentRequest{
		ID:             RequestIDPrefix + uuid.New().String(),
		Wallet:         NormalizeWallet(wallet),
		Tier:           tier,
		Amount:         pricing.Amount,
		Token:          m.cfg.Token,
		Chain:          m.cfg.Chain,
		DurationMonths: pricing.DurationMonths,
		Status:         models.PaymentPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.requestTTL),
	}

	if err := m.store.CreatePaymentRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}

	metrics.RecordPaymentRequest(tier)
	m.logger.InfoContext(ctx, "payment request created",
		slog.String("request_id", req.ID),
		slog.String("wallet", req.Wallet),
		slog.String("tier", tier),
		slog.String("amount", req.Amount.String()))

	return &models.PaymentDescriptor{
		RequestID:      req.ID,
		Recipient:      m.cfg.Recipient,
		Amount:         req.Amount.StringFixed(2),
		Token:          req.Token,
		Chain:          req.Chain,
		Tier:           tier,
		DurationMonths: req.DurationMonths,
		ExpiresAt:      req.ExpiresAt,
		Memo:           "spendguard:" + req.ID,
	}, nil
}

// Verify settles a pending payment request and extends the wallet's license.
// A request or settlement reference can be used only once.
func (m *Manager) Verify(ctx context.Context, vr VerifyRequest) (*VerifyResult, error) {
	result, err := m.verify(ctx, vr)
	outcome := "success"
	if err != nil {
		outcome = verifyOutcome(err)
	}
	metrics.RecordPaymentVerification(outcome)
	return result, err
}

func (m *Manager) verify(ctx context.Context, vr VerifyRequest) (*VerifyResult, error) {
	vr.RequestID = strings.TrimSpace(vr.RequestID)
	vr.SettlementRef = strings.TrimSpace(vr.SettlementRef)
	if vr.RequestID == "" || vr.SettlementRef == "" || !ValidWallet(vr.Wallet) {
		return nil, ErrMalformedRequest
	}

	req, err := m.store.GetPaymentRequest(ctx, vr.RequestID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment request: %w", err)
	}

	if req.Status == models.PaymentCompleted {
		return nil, ErrAlreadyProcessed
	}
	if NormalizeWallet(vr.Wallet) != req.Wallet {
		return nil, ErrWalletMismatch
	}
	now := m.now()
	if now.After(req.ExpiresAt) {
		return nil, ErrPaymentExpired
	}

	if err := m.verifier.VerifySettlement(ctx, req, vr.SettlementRef); err != nil {
		if errors.Is(err, ErrSettlementRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSettlementRejected, err)
	}

	txn := &models.PaymentTransaction{
		RequestID:     req.ID,
		Wallet:        req.Wallet,
		Amount:        req.Amount,
		Token:         req.Token,
		Chain:         req.Chain,
		SettlementRef: vr.SettlementRef,
		CreatedAt:     now,
	}

	// the license is saved in the same transaction that completes the request
	m.grantMu.Lock()
	lic, err := m.extendLicense(ctx, req.Wallet, req.DurationMonths)
	if err == nil {
		err = m.store.CompletePayment(ctx, txn, lic)
	}
	m.grantMu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}
	m.logGrant(ctx, lic, req.Tier, req.DurationMonths)

	status, err := m.HasValidLicense(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "payment verified",
		slog.String("request_id", req.ID),
		slog.String("wallet", req.Wallet),
		slog.String("transaction_id", txn.ID))

	return &VerifyResult{RequestID: req.ID, TransactionID: txn.ID, License: status}, nil
}

// GrantLicense extends a wallet's license by months. A still-valid license
// is extended from its current expiry, otherwise from now.
func (m *Manager) GrantLicense(ctx context.Context, wallet, tier string, months int) (*models.AgentLicense, error) {
	m.grantMu.Lock()
	defer m.grantMu.Unlock()

	lic, err := m.extendLicense(ctx, wallet, months)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpsertLicense(ctx, lic); err != nil {
		return nil, fmt.Errorf("failed to save license: %w", err)
	}

	m.logGrant(ctx, lic, tier, months)
	return lic, nil
}

// extendLicense returns the wallet's license with its expiry pushed out by
// months. The caller holds grantMu until the result is saved.
func (m *Manager) extendLicense(ctx context.Context, wallet string, months int) (*models.AgentLicense, error) {
	if months <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidTier)
	}
	wallet = NormalizeWallet(wallet)

	now := m.now()
	lic, err := m.store.GetLicense(ctx, wallet)
	if err != nil {
		if !storage.IsNotFound(err) {
			return nil, fmt.Errorf("failed to get license: %w", err)
		}
		lic = &models.AgentLicense{Wallet: wallet}
	}

	base := now
	if lic.ValidAt(now) {
		base = *lic.PaidUntil
	}
	paidUntil := base.AddDate(0, months, 0)
	lic.PaidUntil = &paidUntil
	lic.Tier = models.LicensePro
	return lic, nil
}

func (m *Manager) logGrant(ctx context.Context, lic *models.AgentLicense, tier string, months int) {
	metrics.RecordLicenseGranted(tier)
	m.logger.InfoContext(ctx, "license granted",
		slog.String("wallet", lic.Wallet),
		slog.String("tier", tier),
		slog.Int("months", months),
		slog.Time("paid_until", *lic.PaidUntil))
}

// HasValidLicense reports the license state of a wallet as of now
func (m *Manager) HasValidLicense(ctx context.Context, wallet string) (*models.LicenseStatus, error) {
	wallet = NormalizeWallet(wallet)
	status := &models.LicenseStatus{Wallet: wallet, Tier: models.LicenseFree}

	lic, err := m.store.GetLicense(ctx, wallet)
	if err != nil {
		if storage.IsNotFound(err) {
			return status, nil
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	status.Expiry = lic.PaidUntil
	now := m.now()
	if lic.ValidAt(now) {
		status.Valid = true
		status.Tier = lic.Tier
		status.DaysRemaining = int(math.Ceil(lic.PaidUntil.Sub(now).Hours() / 24))
	}
	return status, nil
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrWalletMismatch):
		return "wallet_mismatch"
	case errors.Is(err, ErrPaymentExpired):
		return "expired"
	case errors.Is(err, ErrSettlementRejected):
		return "rejected"
	default:
		return "error"
	}
}
