package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"wallet_ledger/internal/models"
	"wallet_ledger/internal/repository"

	"github.com/google/uuid"
)

const (
	defaultStatementLimit = 100
	maxStatementLimit     = 500
	maxWalletTypeName     = 100
)

func (s *LedgerService) CreateWallet(ctx context.Context, userID, walletTypeID uuid.UUID, tenantID string) (*models.Wallet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = models.DefaultTenant
	}
	w := &models.Wallet{
		ID:           uuid.New(),
		UserID:       userID,
		TenantID:     tenantID,
		WalletTypeID: walletTypeID,
	}
	if err := s.repo.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("Wallet created",
		slog.String("wallet_id", w.ID.String()),
		slog.String("user_id", userID.String()),
		slog.String("currency", w.Currency),
	)
	return w, nil
}

func (s *LedgerService) GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return s.repo.GetWallet(ctx, walletID)
}

func (s *LedgerService) ListUserWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	return s.repo.ListUserWallets(ctx, userID)
}

func (s *LedgerService) ListWalletTypes(ctx context.Context) ([]*models.WalletType, error) {
	types, err := s.repo.ListWalletTypes(ctx)
	if err != nil {
		return nil, err
	}
	if types == nil {
		types = []*models.WalletType{}
	}
	return types, nil
}

// CreateWalletType registers a new kind of wallet. Names are unique and the
// currency is a three letter ISO 4217 code.
func (s *LedgerService) CreateWalletType(ctx context.Context, name, currency string) (*models.WalletType, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxWalletTypeName {
		return nil, fmt.Errorf("%w: name must be 1 to %d characters", models.ErrInvalidWalletType, maxWalletTypeName)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !isCurrencyCode(currency) {
		return nil, fmt.Errorf("%w: currency %q is not a three letter code", models.ErrInvalidWalletType, currency)
	}
	wt := &models.WalletType{ID: uuid.New(), Name: name, Currency: currency}
	if err := s.repo.CreateWalletType(ctx, wt); err != nil {
		return nil, err
	}
	s.logger.Info("Wallet type created",
		slog.String("wallet_type_id", wt.ID.String()),
		slog.String("name", wt.Name),
		slog.String("currency", wt.Currency),
	)
	return wt, nil
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// LockWallet freezes a wallet. Every engine operation and the sweeper reject a
// locked wallet until it is unlocked.
func (s *LedgerService) LockWallet(ctx context.Context, walletID uuid.UUID, reason string) (*models.Wallet, error) {
	return s.changeLockState(ctx, walletID, func(w *models.Wallet) error {
		return w.Lock(strings.TrimSpace(reason))
	})
}

func (s *LedgerService) UnlockWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return s.changeLockState(ctx, walletID, func(w *models.Wallet) error {
		return w.Unlock()
	})
}

// DeactivateWallet closes a wallet. Engine operations reject it and the
// sweeper leaves its pending commissions untouched.
func (s *LedgerService) DeactivateWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return s.changeLockState(ctx, walletID, func(w *models.Wallet) error {
		return w.Deactivate()
	})
}

func (s *LedgerService) changeLockState(ctx context.Context, walletID uuid.UUID, change func(*models.Wallet) error) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.withRetry(ctx, "lock change", func() error {
		tx, err := s.repo.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		w, err := tx.GetWalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if err := change(w); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Wallet lock state changed",
		slog.String("wallet_id", wallet.ID.String()),
		slog.Bool("locked", wallet.IsLocked),
		slog.Bool("active", wallet.IsActive),
		slog.String("reason", wallet.LockReasonOrEmpty()),
	)
	return wallet, nil
}

type StatementQuery struct {
	WalletID uuid.UUID
	From     time.Time
	To       time.Time
	Cursor   string
	Limit    int
}

type StatementPage struct {
	Transactions []*models.Transaction `json:"transactions"`
	NextCursor   string                `json:"nextCursor,omitempty"`
}

// ListTransactions pages through a wallet's ledger oldest first. A zero From
// or To leaves that side of the range open.
func (s *LedgerService) ListTransactions(ctx context.Context, q StatementQuery) (*StatementPage, error) {
	if _, err := s.repo.GetWallet(ctx, q.WalletID); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	if limit > maxStatementLimit {
		limit = maxStatementLimit
	}
	filter := repository.TransactionFilter{
		WalletID: q.WalletID,
		From:     q.From,
		To:       q.To,
		Limit:    limit + 1,
	}
	if filter.From.IsZero() {
		filter.From = time.Unix(0, 0).UTC()
	}
	if filter.To.IsZero() {
		filter.To = s.now()
	}
	if q.Cursor != "" {
		at, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter.AfterCreatedAt = &at
		filter.AfterID = &id
	}

	txns, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &StatementPage{Transactions: txns}
	if len(txns) > limit {
		page.Transactions = txns[:limit]
		last := page.Transactions[limit-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Transactions == nil {
		page.Transactions = []*models.Transaction{}
	}
	return page, nil
}

// Reconcile summarises state an operator checks after an incident.
func (s *LedgerService) Reconcile(ctx context.Context) (*models.ReconciliationSummary, error) {
	summary, err := s.repo.ReconciliationCounts(ctx)
	if err != nil {
		return nil, err
	}
	if s.snapshots != nil {
		n, err := s.snapshots.Count(ctx)
		if err != nil {
			s.logger.Warn("Failed to count balance snapshots", slog.Any("err", err))
		} else {
			summary.SnapshotCount = n
		}
	}
	return summary, nil
}

// GetSnapshot returns the cached snapshot for a wallet, or the live balance when
// none is cached. The bool reports whether the result came from the cache.
func (s *LedgerService) GetSnapshot(ctx context.Context, walletID uuid.UUID) (*models.BalanceSnapshot, bool, error) {
	if s.snapshots != nil {
		snap, err := s.snapshots.GetSnapshot(ctx, walletID)
		if err != nil {
			s.logger.Warn("Snapshot lookup failed, using live balance",
				slog.String("wallet_id", walletID.String()),
				slog.Any("err", err),
			)
		} else if snap != nil {
			return snap, true, nil
		}
	}
	w, err := s.repo.GetWallet(ctx, walletID)
	if err != nil {
		return nil, false, err
	}
	return &models.BalanceSnapshot{WalletID: w.ID, Balance: w.Balance, CapturedAt: s.now()}, false, nil
}

func EncodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: malformed cursor", models.ErrInvalidCursor)
	}
	nanos, idPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: malformed cursor", models.ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: bad timestamp", models.ErrInvalidCursor)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: bad id", models.ErrInvalidCursor)
	}
	return time.Unix(0, n).UTC(), id, nil
}
