package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wallet_ledger/internal/events"
	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/models"
	"wallet_ledger/internal/repository"

	"github.com/google/uuid"
)

type entryMode int

const (
	modeCredit entryMode = iota
	modeDebit
	modePending
)

func (s *LedgerService) Deposit(ctx context.Context, req OperationRequest) (*models.Transaction, error) {
	start := time.Now()
	txn, replayed, err := s.single(ctx, models.TypeDeposit, modeCredit, req)
	s.observe(metrics.KindDeposit, start, req.WalletID, replayed, err)
	return txn, err
}

func (s *LedgerService) Withdraw(ctx context.Context, req OperationRequest) (*models.Transaction, error) {
	start := time.Now()
	txn, replayed, err := s.single(ctx, models.TypeWithdraw, modeDebit, req)
	s.observe(metrics.KindWithdraw, start, req.WalletID, replayed, err)
	return txn, err
}

// CommissionCredit records a PENDING commission. The balance only changes when
// the commission sweeper settles it.
func (s *LedgerService) CommissionCredit(ctx context.Context, req OperationRequest) (*models.Transaction, error) {
	start := time.Now()
	txn, replayed, err := s.single(ctx, models.TypeCommission, modePending, req)
	s.observe(metrics.KindCommission, start, req.WalletID, replayed, err)
	return txn, err
}

// single reports replayed when the result is a row recorded by an earlier call
// with the same idempotency key.
func (s *LedgerService) single(ctx context.Context, typeCode string, mode entryMode, req OperationRequest) (*models.Transaction, bool, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	existing, err := s.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, false, err
	}
	txType, err := s.types.Resolve(ctx, typeCode)
	if err != nil {
		return nil, false, err
	}

	var txn *models.Transaction
	err = s.withRetry(ctx, strings.ToLower(typeCode), func() error {
		var err error
		txn, err = s.applySingle(ctx, txType, mode, req)
		return err
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		existing, err := s.replayConcurrent(ctx, req.IdempotencyKey)
		return existing, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	s.publish(ctx, events.EventTransactionRecorded, txn)
	return txn, false, nil
}

func (s *LedgerService) applySingle(ctx context.Context, txType *models.TransactionType, mode entryMode, req OperationRequest) (*models.Transaction, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wallet, err := tx.GetWalletForUpdate(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if err := checkUsable(wallet); err != nil {
		return nil, err
	}

	now := s.now()
	signed := req.Amount
	switch mode {
	case modeCredit:
		if err := wallet.Credit(req.Amount, req.Description); err != nil {
			return nil, err
		}
	case modeDebit:
		if err := s.checkDebitPolicy(ctx, tx, wallet, req.Amount, now); err != nil {
			return nil, err
		}
		if err := wallet.Debit(req.Amount, req.Description); err != nil {
			return nil, err
		}
		signed = req.Amount.Neg()
	}

	txn := models.NewTransaction(wallet.ID, txType, signed, wallet.Balance, req.Description, now)
	txn.Reference = optionalString(req.Reference)
	txn.IdempotencyKey = optionalString(req.IdempotencyKey)
	txn.CorrelationID = req.CorrelationID
	txn.Metadata = copyMetadata(req.Metadata)

	if mode != modePending {
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return nil, err
		}
		if err := txn.Complete(wallet.Balance, now); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// Transfer moves funds between two wallets of the same currency. The
// idempotency key is stored on the debit leg only; a replay finds the credit leg
// through the debit leg's related transaction id.
func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (*models.Transaction, *models.Transaction, error) {
	start := time.Now()
	debit, credit, replayed, err := s.transfer(ctx, req)
	s.observe(metrics.KindTransfer, start, req.FromWalletID, replayed, err)
	return debit, credit, err
}

func (s *LedgerService) transfer(ctx context.Context, req TransferRequest) (*models.Transaction, *models.Transaction, bool, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	existing, err := s.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, nil, false, err
	}
	if existing != nil {
		debit, credit, err := s.transferLegs(ctx, existing)
		return debit, credit, err == nil, err
	}

	if err := validateAmount(req.Amount); err != nil {
		return nil, nil, false, err
	}
	if req.FromWalletID == req.ToWalletID {
		return nil, nil, false, fmt.Errorf("%w: source and destination are the same wallet %s", models.ErrInvalidTransfer, req.FromWalletID)
	}
	outType, err := s.types.Resolve(ctx, models.TypeTransferOut)
	if err != nil {
		return nil, nil, false, err
	}
	inType, err := s.types.Resolve(ctx, models.TypeTransferIn)
	if err != nil {
		return nil, nil, false, err
	}

	var debit, credit *models.Transaction
	err = s.withRetry(ctx, "transfer", func() error {
		var err error
		debit, credit, err = s.applyTransfer(ctx, outType, inType, req)
		return err
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		existing, err := s.replayConcurrent(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, nil, false, err
		}
		debit, credit, err := s.transferLegs(ctx, existing)
		return debit, credit, err == nil, err
	}
	if err != nil {
		return nil, nil, false, err
	}
	s.publish(ctx, events.EventTransactionRecorded, debit, credit)
	return debit, credit, false, nil
}

func (s *LedgerService) applyTransfer(ctx context.Context, outType, inType *models.TransactionType, req TransferRequest) (*models.Transaction, *models.Transaction, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	wallets := make(map[uuid.UUID]*models.Wallet, 2)
	for _, id := range lockOrder(req.FromWalletID, req.ToWalletID) {
		w, err := tx.GetWalletForUpdate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		wallets[id] = w
	}
	from, to := wallets[req.FromWalletID], wallets[req.ToWalletID]

	if err := checkUsable(from); err != nil {
		return nil, nil, err
	}
	if err := checkUsable(to); err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(from.Currency, to.Currency) {
		return nil, nil, fmt.Errorf("%w: currency mismatch %s -> %s", models.ErrInvalidTransfer, from.Currency, to.Currency)
	}

	now := s.now()
	if err := s.checkDebitPolicy(ctx, tx, from, req.Amount, now); err != nil {
		return nil, nil, err
	}
	if err := from.Debit(req.Amount, req.Description); err != nil {
		return nil, nil, err
	}
	if err := to.Credit(req.Amount, req.Description); err != nil {
		return nil, nil, err
	}

	correlationID := uuid.New()
	if req.CorrelationID != nil {
		correlationID = *req.CorrelationID
	}
	debit := models.NewTransaction(from.ID, outType, req.Amount.Neg(), from.Balance, req.Description, now)
	credit := models.NewTransaction(to.ID, inType, req.Amount, to.Balance, req.Description, now)
	for _, leg := range []*models.Transaction{debit, credit} {
		leg.Reference = optionalString(req.Reference)
		leg.CorrelationID = &correlationID
		leg.Metadata = copyMetadata(req.Metadata)
	}
	debit.IdempotencyKey = optionalString(req.IdempotencyKey)
	debit.RelatedTransactionID = &credit.ID
	credit.RelatedTransactionID = &debit.ID

	for _, w := range []*models.Wallet{from, to} {
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return nil, nil, err
		}
	}
	if err := debit.Complete(from.Balance, now); err != nil {
		return nil, nil, err
	}
	if err := credit.Complete(to.Balance, now); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertTransaction(ctx, debit); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertTransaction(ctx, credit); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// transferLegs rebuilds the (debit, credit) pair from the leg that carries the
// idempotency key.
func (s *LedgerService) transferLegs(ctx context.Context, out *models.Transaction) (*models.Transaction, *models.Transaction, error) {
	if out.TypeCode != models.TypeTransferOut {
		return nil, nil, fmt.Errorf("%w: idempotency key already used by a %s transaction %s",
			models.ErrInvalidTransfer, out.TypeCode, out.ID)
	}
	if out.RelatedTransactionID == nil {
		return out, nil, nil
	}
	in, err := s.repo.GetTransaction(ctx, *out.RelatedTransactionID)
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// replayConcurrent resolves a lost race on the idempotency index: another call
// with the same key committed first, so its row is the result of this call.
func (s *LedgerService) replayConcurrent(ctx context.Context, key string) (*models.Transaction, error) {
	s.logger.Info("Idempotency key committed concurrently, returning existing transaction",
		slog.String("idempotency_key", key),
	)
	existing, err := s.repo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: idempotency key %q conflicted but no row found", models.ErrPersistenceFailure, key)
	}
	return existing, nil
}

// lockOrder returns ids in ascending byte order so concurrent transfers in
// opposite directions lock rows in the same sequence.
func lockOrder(a, b uuid.UUID) []uuid.UUID {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return []uuid.UUID{a, b}
	}
	return []uuid.UUID{b, a}
}
