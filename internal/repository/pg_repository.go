package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wallet_ledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"

	idempotencyConstraint = "ux_transactions_idempotency_key"
	walletUserConstraint  = "ux_wallets_user_type"
)

const walletColumns = `
	w.id, w.user_id, w.tenant_id, w.wallet_type_id, wt.currency, w.balance,
	w.is_locked, w.lock_reason, w.is_active, w.version, w.created_at, w.updated_at`

const walletFrom = `
	FROM wallets w
	JOIN wallet_types wt ON wt.id = w.wallet_type_id`

const transactionColumns = `
	t.id, t.wallet_id, t.transaction_type_id, tt.code, t.amount, t.balance_after,
	t.description, t.reference, t.idempotency_key, t.correlation_id,
	t.related_transaction_id, t.status, t.metadata, t.created_at, t.processed_at`

const transactionFrom = `
	FROM transactions t
	JOIN transaction_types tt ON tt.id = t.transaction_type_id`

type WalletPGRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewWalletPGRepository(pool *pgxpool.Pool, logger *slog.Logger) *WalletPGRepository {
	return &WalletPGRepository{
		pool:   pool,
		logger: logger,
	}
}

// Tx is one atomic unit of work. Every wallet read inside it takes a row lock.
type Tx interface {
	GetWalletForUpdate(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, wallet *models.Wallet) error
	InsertTransaction(ctx context.Context, txn *models.Transaction) error
	CompletePendingTransaction(ctx context.Context, txn *models.Transaction) error
	SumDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error)
	ListPendingForUpdate(ctx context.Context, typeID uuid.UUID, limit int) ([]*models.Transaction, error)
	CountBlockedPending(ctx context.Context, typeID uuid.UUID) (int, error)
	Savepoint(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func (r *WalletPGRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		r.logger.Error("Failed to begin transaction", slog.Any("err", err))
		return nil, persistence("begin transaction", err)
	}
	return &pgTx{tx: tx, logger: r.logger}, nil
}

type pgTx struct {
	tx     pgx.Tx
	logger *slog.Logger
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	row := t.tx.QueryRow(ctx, "SELECT"+walletColumns+walletFrom+" WHERE w.id = $1 FOR UPDATE OF w", walletID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWalletNotFound, walletID)
	}
	if err != nil {
		t.logger.Error("Failed to select wallet for update",
			slog.String("wallet_id", walletID.String()),
			slog.Any("err", err),
		)
		return nil, persistence("select wallet for update", err)
	}
	return w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = $1, is_locked = $2, lock_reason = $3, is_active = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $5
		RETURNING version, updated_at`,
		wallet.Balance, wallet.IsLocked, wallet.LockReason, wallet.IsActive, wallet.ID,
	).Scan(&wallet.Version, &wallet.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrWalletNotFound, wallet.ID)
	}
	if err != nil {
		t.logger.Error("Failed to update wallet",
			slog.String("wallet_id", wallet.ID.String()),
			slog.Any("err", err),
		)
		return persistence("update wallet", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	metadata := txn.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (
			id, wallet_id, transaction_type_id, amount, balance_after, description,
			reference, idempotency_key, correlation_id, related_transaction_id,
			status, metadata, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		txn.ID, txn.WalletID, txn.TransactionTypeID, txn.Amount, txn.BalanceAfter, txn.Description,
		txn.Reference, txn.IdempotencyKey, txn.CorrelationID, txn.RelatedTransactionID,
		string(txn.Status), metadata, txn.CreatedAt, txn.ProcessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyConstraint {
			return ErrDuplicateIdempotencyKey
		}
		t.logger.Error("Failed to insert transaction",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("wallet_id", txn.WalletID.String()),
			slog.String("type", txn.TypeCode),
			slog.Any("err", err),
		)
		return persistence("insert transaction", err)
	}
	return nil
}

// CompletePendingTransaction moves a PENDING row to COMPLETED. The status guard
// makes a second settlement of the same row fail instead of crediting twice.
func (t *pgTx) CompletePendingTransaction(ctx context.Context, txn *models.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $1, balance_after = $2, processed_at = $3
		WHERE id = $4 AND status = $5`,
		string(models.StatusCompleted), txn.BalanceAfter, txn.ProcessedAt, txn.ID, string(models.StatusPending),
	)
	if err != nil {
		return persistence("complete transaction", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: transaction %s", models.ErrAlreadyCompleted, txn.ID)
	}
	return nil
}

func (t *pgTx) SumDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM transactions
		WHERE wallet_id = $1 AND amount < 0 AND status = $2 AND created_at >= $3`,
		walletID, string(models.StatusCompleted), since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, persistence("sum daily debits", err)
	}
	return total, nil
}

// ListPendingForUpdate locks the oldest pending rows of a type whose wallets
// are open and active. Rows already locked by a concurrent run are skipped
// rather than waited on. Wallet state is read without a lock here; callers
// re-check it after locking the wallets.
func (t *pgTx) ListPendingForUpdate(ctx context.Context, typeID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := t.tx.Query(ctx, "SELECT"+transactionColumns+transactionFrom+`
		JOIN wallets w ON w.id = t.wallet_id
		WHERE t.transaction_type_id = $1 AND t.status = $2
			AND NOT w.is_locked AND w.is_active
		ORDER BY t.created_at, t.id
		LIMIT $3
		FOR UPDATE OF t SKIP LOCKED`,
		typeID, string(models.StatusPending), limit,
	)
	if err != nil {
		return nil, persistence("select pending transactions", err)
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, persistence("scan pending transactions", err)
	}
	return txns, nil
}

// CountBlockedPending counts pending rows of a type held by locked or inactive
// wallets.
func (t *pgTx) CountBlockedPending(ctx context.Context, typeID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE t.transaction_type_id = $1 AND t.status = $2
			AND (w.is_locked OR NOT w.is_active)`,
		typeID, string(models.StatusPending),
	).Scan(&n)
	if err != nil {
		return 0, persistence("count blocked pending transactions", err)
	}
	return n, nil
}

func (t *pgTx) Savepoint(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, persistence("savepoint", err)
	}
	return &pgTx{tx: nested, logger: t.logger}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		t.logger.Error("Failed to commit transaction", slog.Any("err", err))
		return persistence("commit", err)
	}
	return nil
}

// Rollback is safe to defer after Commit.
func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.logger.Error("Failed to rollback transaction", slog.Any("err", err))
		return err
	}
	return nil
}

func (r *WalletPGRepository) GetTransactionTypeByCode(ctx context.Context, code string) (*models.TransactionType, error) {
	var tt models.TransactionType
	err := r.pool.QueryRow(ctx,
		"SELECT id, code, name, description, is_active FROM transaction_types WHERE code = $1", code,
	).Scan(&tt.ID, &tt.Code, &tt.Name, &tt.Description, &tt.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrTransactionTypeNotConfigured, code)
	}
	if err != nil {
		return nil, persistence("select transaction type", err)
	}
	return &tt, nil
}

func (r *WalletPGRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+transactionColumns+transactionFrom+" WHERE t.idempotency_key = $1", key)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get transaction by idempotency key",
			slog.String("idempotency_key", key),
			slog.Any("err", err),
		)
		return nil, persistence("select transaction by idempotency key", err)
	}
	return txn, nil
}

func (r *WalletPGRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+transactionColumns+transactionFrom+" WHERE t.id = $1", id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, persistence("select transaction", err)
	}
	return txn, nil
}

type TransactionFilter struct {
	WalletID       uuid.UUID
	From           time.Time
	To             time.Time
	AfterCreatedAt *time.Time
	AfterID        *uuid.UUID
	Limit          int
}

func (r *WalletPGRepository) ListTransactions(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, "SELECT"+transactionColumns+transactionFrom+`
		WHERE t.wallet_id = $1 AND t.created_at >= $2 AND t.created_at <= $3
			AND ($4::timestamptz IS NULL OR (t.created_at, t.id) > ($4::timestamptz, $5::uuid))
		ORDER BY t.created_at, t.id
		LIMIT $6`,
		f.WalletID, f.From, f.To, f.AfterCreatedAt, f.AfterID, f.Limit,
	)
	if err != nil {
		return nil, persistence("list transactions", err)
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, persistence("scan transactions", err)
	}
	return txns, nil
}

func (r *WalletPGRepository) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	err := r.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO wallets (id, user_id, tenant_id, wallet_type_id, balance, is_active)
			VALUES ($1, $2, $3, $4, 0, TRUE)
			RETURNING wallet_type_id, created_at, updated_at
		)
		SELECT wt.currency, i.created_at, i.updated_at
		FROM inserted i JOIN wallet_types wt ON wt.id = i.wallet_type_id`,
		wallet.ID, wallet.UserID, wallet.TenantID, wallet.WalletTypeID,
	).Scan(&wallet.Currency, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == uniqueViolation && pgErr.ConstraintName == walletUserConstraint:
				return fmt.Errorf("%w: user %s, type %s", models.ErrWalletAlreadyExists, wallet.UserID, wallet.WalletTypeID)
			case pgErr.Code == foreignKeyViolation:
				return fmt.Errorf("%w: %s", models.ErrWalletTypeNotFound, wallet.WalletTypeID)
			}
		}
		r.logger.Error("Failed to create wallet",
			slog.String("wallet_id", wallet.ID.String()),
			slog.Any("err", err),
		)
		return persistence("insert wallet", err)
	}
	wallet.Balance = decimal.Zero
	wallet.IsActive = true
	return nil
}

func (r *WalletPGRepository) GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx, "SELECT"+walletColumns+walletFrom+" WHERE w.id = $1", walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWalletNotFound, walletID)
	}
	if err != nil {
		r.logger.Error("Failed to get wallet",
			slog.String("wallet_id", walletID.String()),
			slog.Any("err", err),
		)
		return nil, persistence("select wallet", err)
	}
	return w, nil
}

func (r *WalletPGRepository) ListUserWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	rows, err := r.pool.Query(ctx, "SELECT"+walletColumns+walletFrom+" WHERE w.user_id = $1 ORDER BY w.created_at, w.id", userID)
	if err != nil {
		return nil, persistence("list user wallets", err)
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, persistence("scan wallet", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate wallets", err)
	}
	return wallets, nil
}

// ListWalletBalances pages through wallets by id, starting after afterID.
func (r *WalletPGRepository) ListWalletBalances(ctx context.Context, afterID *uuid.UUID, limit int) ([]models.WalletBalance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, balance
		FROM wallets
		WHERE $1::uuid IS NULL OR id > $1::uuid
		ORDER BY id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, persistence("list wallet balances", err)
	}
	defer rows.Close()

	var balances []models.WalletBalance
	for rows.Next() {
		var b models.WalletBalance
		if err := rows.Scan(&b.ID, &b.Balance); err != nil {
			return nil, persistence("scan wallet balance", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate wallet balances", err)
	}
	return balances, nil
}

func (r *WalletPGRepository) ReconciliationCounts(ctx context.Context) (*models.ReconciliationSummary, error) {
	var s models.ReconciliationSummary
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transactions t
				JOIN transaction_types tt ON tt.id = t.transaction_type_id
				WHERE tt.code = $1 AND t.status = $2),
			(SELECT COUNT(*) FROM wallets WHERE is_locked),
			(SELECT COUNT(*) FROM wallets)`,
		models.TypeCommission, string(models.StatusPending),
	).Scan(&s.PendingCommissionTransactions, &s.LockedWallets, &s.TotalWallets)
	if err != nil {
		return nil, persistence("reconciliation counts", err)
	}
	return &s, nil
}

// ListLedgerEntries returns completed rows processed in [from, to) ordered per
// wallet by the moment each row changed the balance.
func (r *WalletPGRepository) ListLedgerEntries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.wallet_id, wt.currency, t.amount, t.balance_after
		FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		JOIN wallet_types wt ON wt.id = w.wallet_type_id
		WHERE t.status = $1 AND t.processed_at >= $2 AND t.processed_at < $3
		ORDER BY t.wallet_id, t.processed_at, t.created_at, t.id`,
		string(models.StatusCompleted), from, to,
	)
	if err != nil {
		return nil, persistence("list ledger entries", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.WalletID, &e.Currency, &e.Amount, &e.BalanceAfter); err != nil {
			return nil, persistence("scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate ledger entries", err)
	}
	return entries, nil
}

func (r *WalletPGRepository) ListWalletTypes(ctx context.Context) ([]*models.WalletType, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, name, currency, created_at FROM wallet_types ORDER BY name")
	if err != nil {
		return nil, persistence("list wallet types", err)
	}
	defer rows.Close()

	var types []*models.WalletType
	for rows.Next() {
		var wt models.WalletType
		if err := rows.Scan(&wt.ID, &wt.Name, &wt.Currency, &wt.CreatedAt); err != nil {
			return nil, persistence("scan wallet type", err)
		}
		types = append(types, &wt)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("iterate wallet types", err)
	}
	return types, nil
}

func (r *WalletPGRepository) GetWalletTypeByName(ctx context.Context, name string) (*models.WalletType, error) {
	var wt models.WalletType
	err := r.pool.QueryRow(ctx,
		"SELECT id, name, currency, created_at FROM wallet_types WHERE name = $1", name,
	).Scan(&wt.ID, &wt.Name, &wt.Currency, &wt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWalletTypeNotFound, name)
	}
	if err != nil {
		return nil, persistence("select wallet type", err)
	}
	return &wt, nil
}

func (r *WalletPGRepository) CreateWalletType(ctx context.Context, wt *models.WalletType) error {
	err := r.pool.QueryRow(ctx,
		"INSERT INTO wallet_types (id, name, currency) VALUES ($1, $2, $3) RETURNING created_at",
		wt.ID, wt.Name, wt.Currency,
	).Scan(&wt.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrWalletTypeAlreadyExists, wt.Name)
		}
		r.logger.Error("Failed to create wallet type",
			slog.String("name", wt.Name),
			slog.Any("err", err),
		)
		return persistence("insert wallet type", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.TenantID, &w.WalletTypeID, &w.Currency, &w.Balance,
		&w.IsLocked, &w.LockReason, &w.IsActive, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t      models.Transaction
		status string
	)
	err := row.Scan(
		&t.ID, &t.WalletID, &t.TransactionTypeID, &t.TypeCode, &t.Amount, &t.BalanceAfter,
		&t.Description, &t.Reference, &t.IdempotencyKey, &t.CorrelationID,
		&t.RelatedTransactionID, &status, &t.Metadata, &t.CreatedAt, &t.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TransactionStatus(status)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var txns []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrPersistenceFailure, op, err)
}
