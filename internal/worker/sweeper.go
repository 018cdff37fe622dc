package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wallet_ledger/internal/events"
	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/models"
	"wallet_ledger/internal/repository"

	"github.com/google/uuid"
)

type TxBeginner interface {
	BeginTx(ctx context.Context) (repository.Tx, error)
}

type TypeResolver interface {
	Resolve(ctx context.Context, code string) (*models.TransactionType, error)
}

type EventPublisher interface {
	PublishTransactions(ctx context.Context, eventType string, at time.Time, txns ...*models.Transaction)
}

// SettlementResult reports one run. Blocked counts pending rows left out of the
// batch because their wallet is locked or inactive; Skipped counts rows whose
// wallet changed state between selection and locking.
type SettlementResult struct {
	Settled int
	Skipped int
	Failed  int
	Blocked int
}

// CommissionSweeper is the only path that turns a PENDING commission into a
// balance change.
type CommissionSweeper struct {
	repo      TxBeginner
	types     TypeResolver
	recorder  metrics.Recorder
	events    EventPublisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu sync.Mutex
}

func NewCommissionSweeper(repo TxBeginner, types TypeResolver, recorder metrics.Recorder, logger *slog.Logger, interval time.Duration, batchSize int) *CommissionSweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &CommissionSweeper{
		repo:      repo,
		types:     types,
		recorder:  recorder,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *CommissionSweeper) WithEvents(p EventPublisher) *CommissionSweeper {
	s.events = p
	return s
}

func (s *CommissionSweeper) Run(ctx context.Context) {
	runEvery(ctx, s.logger, "commission_sweeper", s.interval, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

// RunOnce settles one batch in a single database transaction. Each row is
// applied inside its own savepoint so a failing row leaves the rest of the
// batch intact; a failed commit rolls back the whole batch.
func (s *CommissionSweeper) RunOnce(ctx context.Context) (SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var result SettlementResult
	defer func() {
		s.recorder.RecordLatency(metrics.KindSettlement, time.Since(start))
	}()

	txType, err := s.types.Resolve(ctx, models.TypeCommission)
	if errors.Is(err, models.ErrTransactionTypeNotConfigured) {
		s.logger.Warn("Commission type not configured, skipping settlement run")
		return result, nil
	}
	if err != nil {
		return result, err
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	pending, err := tx.ListPendingForUpdate(ctx, txType.ID, s.batchSize)
	if err != nil {
		return result, err
	}
	if result.Blocked, err = tx.CountBlockedPending(ctx, txType.ID); err != nil {
		return result, err
	}
	if result.Blocked > 0 {
		s.logger.Warn("Commissions held by locked or inactive wallets",
			slog.Int("count", result.Blocked),
		)
	}
	if len(pending) == 0 {
		return result, nil
	}

	wallets, err := lockWallets(ctx, tx, pending)
	if err != nil {
		return result, err
	}

	now := s.now()
	settled := make([]*models.Transaction, 0, len(pending))
	for _, txn := range pending {
		w := wallets[txn.WalletID]
		if w.IsLocked || !w.IsActive {
			code := models.CodeAccountFrozen
			if !w.IsActive {
				code = models.CodeWalletInactive
			}
			result.Skipped++
			s.recorder.RecordFailure(metrics.KindSettlement, code)
			s.logger.Warn("Commission left pending",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("wallet_id", w.ID.String()),
				slog.String("code", code),
			)
			continue
		}
		if err := s.settle(ctx, tx, w, txn, now); err != nil {
			result.Failed++
			s.recorder.RecordFailure(metrics.KindSettlement, models.CodeSettlementError)
			s.logger.Error("Commission settlement failed",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("wallet_id", w.ID.String()),
				slog.String("code", models.CodeSettlementError),
				slog.Any("err", err),
			)
			continue
		}
		settled = append(settled, txn)
	}

	if err := tx.Commit(ctx); err != nil {
		s.recorder.RecordFailure(metrics.KindSettlement, models.CodeSettlementError)
		return SettlementResult{Failed: len(pending), Blocked: result.Blocked}, err
	}

	result.Settled = len(settled)
	s.recorder.RecordSettled(result.Settled)
	if s.events != nil && len(settled) > 0 {
		s.events.PublishTransactions(ctx, events.EventCommissionSettled, now, settled...)
	}
	s.logger.Info("Commission settlement run finished",
		slog.Int("settled", result.Settled),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Int("blocked", result.Blocked),
		slog.Duration("took", time.Since(start)),
	)
	return result, nil
}

// settle applies one commission on copies of the wallet and the row, and
// publishes the copies back only when the savepoint is released.
func (s *CommissionSweeper) settle(ctx context.Context, tx repository.Tx, w *models.Wallet, txn *models.Transaction, now time.Time) error {
	sp, err := tx.Savepoint(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	credited := *w
	if err := credited.Credit(txn.Amount, txn.Description); err != nil {
		return err
	}
	if err := sp.UpdateWallet(ctx, &credited); err != nil {
		return err
	}
	completed := *txn
	if err := completed.Complete(credited.Balance, now); err != nil {
		return err
	}
	if err := sp.CompletePendingTransaction(ctx, &completed); err != nil {
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return err
	}
	*w = credited
	*txn = completed
	return nil
}

// lockWallets locks every wallet referenced by the batch in ascending id order.
func lockWallets(ctx context.Context, tx repository.Tx, txns []*models.Transaction) (map[uuid.UUID]*models.Wallet, error) {
	seen := make(map[uuid.UUID]struct{}, len(txns))
	ids := make([]uuid.UUID, 0, len(txns))
	for _, txn := range txns {
		if _, ok := seen[txn.WalletID]; ok {
			continue
		}
		seen[txn.WalletID] = struct{}{}
		ids = append(ids, txn.WalletID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	wallets := make(map[uuid.UUID]*models.Wallet, len(ids))
	for _, id := range ids {
		w, err := tx.GetWalletForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	return wallets, nil
}
