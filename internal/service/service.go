package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/models"
	"wallet_ledger/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Amounts are stored as NUMERIC(20,4).
const amountScale = 4

// maxAmount is the first value NUMERIC(20,4) cannot hold.
var maxAmount = decimal.New(1, 16)

type LedgerRepository interface {
	BeginTx(ctx context.Context) (repository.Tx, error)
	GetTransactionTypeByCode(ctx context.Context, code string) (*models.TransactionType, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]*models.Transaction, error)
	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	ListUserWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error)
	ReconciliationCounts(ctx context.Context) (*models.ReconciliationSummary, error)
	ListLedgerEntries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error)
	ListWalletTypes(ctx context.Context) ([]*models.WalletType, error)
	GetWalletTypeByName(ctx context.Context, name string) (*models.WalletType, error)
	CreateWalletType(ctx context.Context, wt *models.WalletType) error
}

type PolicyProvider interface {
	Resolve(ctx context.Context, tenantID, currency string) (models.Policy, error)
}

type EventPublisher interface {
	PublishTransactions(ctx context.Context, eventType string, at time.Time, txns ...*models.Transaction)
}

type SnapshotReader interface {
	GetSnapshot(ctx context.Context, walletID uuid.UUID) (*models.BalanceSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

type OperationRequest struct {
	WalletID       uuid.UUID
	Amount         decimal.Decimal
	Description    string
	Reference      string
	Metadata       map[string]any
	IdempotencyKey string
	CorrelationID  *uuid.UUID
}

type TransferRequest struct {
	FromWalletID   uuid.UUID
	ToWalletID     uuid.UUID
	Amount         decimal.Decimal
	Description    string
	Reference      string
	Metadata       map[string]any
	IdempotencyKey string
	CorrelationID  *uuid.UUID
}

type LedgerService struct {
	repo       LedgerRepository
	types      *TypeRegistry
	policies   PolicyProvider
	recorder   metrics.Recorder
	events     EventPublisher
	snapshots  SnapshotReader
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

type Option func(*LedgerService)

func WithEvents(p EventPublisher) Option {
	return func(s *LedgerService) { s.events = p }
}

func WithSnapshots(r SnapshotReader) Option {
	return func(s *LedgerService) { s.snapshots = r }
}

func WithMaxRetries(n int) Option {
	return func(s *LedgerService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) {
		s.now = func() time.Time { return now().UTC().Truncate(time.Microsecond) }
	}
}

func WithTypeRegistry(r *TypeRegistry) Option {
	return func(s *LedgerService) { s.types = r }
}

func NewLedgerService(repo LedgerRepository, policies PolicyProvider, recorder metrics.Recorder, logger *slog.Logger, opts ...Option) *LedgerService {
	s := &LedgerService{
		repo:       repo,
		policies:   policies,
		recorder:   recorder,
		logger:     logger,
		maxRetries: 3,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.types == nil {
		s.types = NewTypeRegistry(repo)
	}
	if s.recorder == nil {
		s.recorder = metrics.Noop{}
	}
	return s
}

// GetByIdempotencyKey returns nil, nil when no transaction carries the key.
func (s *LedgerService) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	return s.repo.GetByIdempotencyKey(ctx, key)
}

func (s *LedgerService) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// withRetry reruns fn on serialization failures and deadlocks. Everything else
// is returned to the caller on the first attempt.
func (s *LedgerService) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for i := 0; i < s.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("Retrying "+op,
			slog.Int("attempt", i+1),
			slog.Any("err", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * 10 * time.Millisecond):
		}
	}
	s.logger.Error(op+" failed after retries", slog.Any("err", lastErr))
	return lastErr
}

// observe reports the outcome of one engine call to metrics and logs. Replays
// are counted apart from new operations.
func (s *LedgerService) observe(kind string, start time.Time, walletID uuid.UUID, replayed bool, err error) {
	if err == nil && replayed {
		s.recorder.RecordReplay(kind)
		s.logger.Debug("Idempotent replay",
			slog.String("kind", kind),
			slog.String("wallet_id", walletID.String()),
		)
		return
	}
	s.recorder.RecordLatency(kind, time.Since(start))
	if err == nil {
		s.recorder.RecordOperation(kind)
		return
	}
	code := models.ErrorCode(err)
	s.recorder.RecordFailure(kind, code)

	attrs := []any{
		slog.String("kind", kind),
		slog.String("wallet_id", walletID.String()),
		slog.String("code", code),
		slog.Any("err", err),
	}
	switch {
	case errors.Is(err, models.ErrWalletLocked), errors.Is(err, models.ErrDailyCapExceeded):
		s.logger.Warn("Ledger operation rejected", attrs...)
	case errors.Is(err, models.ErrPersistenceFailure), code == models.CodeInternal:
		s.logger.Error("Ledger operation failed", attrs...)
	default:
		s.logger.Info("Ledger operation rejected", attrs...)
	}
}

func (s *LedgerService) publish(ctx context.Context, eventType string, txns ...*models.Transaction) {
	if s.events == nil {
		return
	}
	s.events.PublishTransactions(ctx, eventType, s.now(), txns...)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", models.ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", models.ErrInvalidAmount, amount, amountScale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: %s exceeds the largest storable amount", models.ErrInvalidAmount, amount)
	}
	return nil
}

// checkUsable applies the checks every wallet in an operation must pass.
// The lock check cannot be relaxed by policy.
func checkUsable(w *models.Wallet) error {
	if !w.IsActive {
		return fmt.Errorf("%w: %s", models.ErrWalletInactive, w.ID)
	}
	if w.IsLocked {
		return fmt.Errorf("%w: %s (%s)", models.ErrWalletLocked, w.ID, w.LockReasonOrEmpty())
	}
	return nil
}

// checkDebitPolicy runs inside the unit of work, after the wallet row is locked,
// so the balance and the same-day debit total cannot change underneath it.
func (s *LedgerService) checkDebitPolicy(ctx context.Context, tx repository.Tx, w *models.Wallet, amount decimal.Decimal, now time.Time) error {
	policy, err := s.policies.Resolve(ctx, w.TenantID, w.Currency)
	if err != nil {
		return fmt.Errorf("resolve policy for %s/%s: %w", w.TenantID, w.Currency, err)
	}
	if !policy.AllowNegative && !w.CanDebit(amount) {
		return fmt.Errorf("%w: wallet %s has %s, debit %s", models.ErrInsufficientBalance, w.ID, w.Balance, amount)
	}
	if policy.DailyDebitCap != nil {
		spent, err := tx.SumDebitsSince(ctx, w.ID, startOfDay(now))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(*policy.DailyDebitCap) {
			return fmt.Errorf("%w: wallet %s spent %s today, debit %s, cap %s",
				models.ErrDailyCapExceeded, w.ID, spent, amount, policy.DailyDebitCap)
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
