package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Stable transaction type codes seeded into transaction_types.
const (
	TypeDeposit     = "DEPOSIT"
	TypeWithdraw    = "WITHDRAW"
	TypeTransferOut = "TRANSFER_OUT"
	TypeTransferIn  = "TRANSFER_IN"
	TypeCommission  = "COMMISSION"
)

const DefaultTenant = "default"

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
)

type Wallet struct {
	ID           uuid.UUID       `db:"id" json:"walletId"`
	UserID       uuid.UUID       `db:"user_id" json:"userId"`
	TenantID     string          `db:"tenant_id" json:"tenantId"`
	WalletTypeID uuid.UUID       `db:"wallet_type_id" json:"walletTypeId"`
	Currency     string          `db:"currency" json:"currency"`
	Balance      decimal.Decimal `db:"balance" json:"balance"`
	IsLocked     bool            `db:"is_locked" json:"isLocked"`
	LockReason   *string         `db:"lock_reason" json:"lockReason,omitempty"`
	IsActive     bool            `db:"is_active" json:"isActive"`
	Version      int64           `db:"version" json:"version"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
}

// Credit increases the balance. Lock and policy checks happen before this is called.
func (w *Wallet) Credit(amount decimal.Decimal, description string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit %s (%s)", ErrInvalidAmount, amount, description)
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// Debit decreases the balance. A negative result is allowed here; whether it is
// acceptable is a policy decision taken by the caller.
func (w *Wallet) Debit(amount decimal.Decimal, description string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit %s (%s)", ErrInvalidAmount, amount, description)
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func (w *Wallet) CanDebit(amount decimal.Decimal) bool {
	return !w.Balance.Sub(amount).IsNegative()
}

func (w *Wallet) Lock(reason string) error {
	if w.IsLocked {
		return fmt.Errorf("%w: wallet %s is already locked", ErrLockStateConflict, w.ID)
	}
	w.IsLocked = true
	w.LockReason = &reason
	return nil
}

func (w *Wallet) Unlock() error {
	if !w.IsLocked {
		return fmt.Errorf("%w: wallet %s is not locked", ErrLockStateConflict, w.ID)
	}
	w.IsLocked = false
	w.LockReason = nil
	return nil
}

// Deactivate closes a wallet for good. There is no way back to active.
func (w *Wallet) Deactivate() error {
	if !w.IsActive {
		return fmt.Errorf("%w: wallet %s is already inactive", ErrLockStateConflict, w.ID)
	}
	w.IsActive = false
	return nil
}

func (w *Wallet) LockReasonOrEmpty() string {
	if w.LockReason == nil {
		return ""
	}
	return *w.LockReason
}

type Transaction struct {
	ID                   uuid.UUID         `db:"id" json:"id"`
	WalletID             uuid.UUID         `db:"wallet_id" json:"walletId"`
	TransactionTypeID    uuid.UUID         `db:"transaction_type_id" json:"transactionTypeId"`
	TypeCode             string            `db:"type_code" json:"type"`
	Amount               decimal.Decimal   `db:"amount" json:"amount"`
	BalanceAfter         decimal.Decimal   `db:"balance_after" json:"balanceAfter"`
	Description          string            `db:"description" json:"description"`
	Reference            *string           `db:"reference" json:"reference,omitempty"`
	IdempotencyKey       *string           `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	CorrelationID        *uuid.UUID        `db:"correlation_id" json:"correlationId,omitempty"`
	RelatedTransactionID *uuid.UUID        `db:"related_transaction_id" json:"relatedTransactionId,omitempty"`
	Status               TransactionStatus `db:"status" json:"status"`
	Metadata             map[string]any    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt            time.Time         `db:"created_at" json:"createdAt"`
	ProcessedAt          *time.Time        `db:"processed_at" json:"processedAt,omitempty"`
}

// NewTransaction builds a PENDING ledger row with a fresh id.
func NewTransaction(walletID uuid.UUID, txType *TransactionType, amount, balanceAfter decimal.Decimal, description string, createdAt time.Time) *Transaction {
	return &Transaction{
		ID:                uuid.New(),
		WalletID:          walletID,
		TransactionTypeID: txType.ID,
		TypeCode:          txType.Code,
		Amount:            amount,
		BalanceAfter:      balanceAfter,
		Description:       description,
		Status:            StatusPending,
		Metadata:          map[string]any{},
		CreatedAt:         createdAt,
	}
}

// Complete is the only way a transaction leaves PENDING.
func (t *Transaction) Complete(balanceAfter decimal.Decimal, processedAt time.Time) error {
	if t.Status == StatusCompleted {
		return fmt.Errorf("%w: transaction %s", ErrAlreadyCompleted, t.ID)
	}
	t.BalanceAfter = balanceAfter
	t.Status = StatusCompleted
	t.ProcessedAt = &processedAt
	return nil
}

type TransactionType struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	IsActive    bool      `db:"is_active" json:"isActive"`
}

// CommissionWalletType names the wallet type approved commissions are paid into.
const CommissionWalletType = "Commission"

type WalletType struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Currency  string    `db:"currency" json:"currency"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Policy is resolved per call from configuration, never stored on a wallet.
type Policy struct {
	AllowNegative bool
	DailyDebitCap *decimal.Decimal
}

type BalanceSnapshot struct {
	WalletID   uuid.UUID       `json:"walletId"`
	Balance    decimal.Decimal `json:"balance"`
	CapturedAt time.Time       `json:"capturedAt"`
}

type WalletBalance struct {
	ID      uuid.UUID       `db:"id"`
	Balance decimal.Decimal `db:"balance"`
}

type ReconciliationSummary struct {
	PendingCommissionTransactions int64 `json:"pendingCommissionTransactions"`
	LockedWallets                 int64 `json:"lockedWallets"`
	TotalWallets                  int64 `json:"totalWallets"`
	SnapshotCount                 int64 `json:"snapshotCount"`
}

// LedgerEntry is the slice of a completed row the reconciliation report needs.
type LedgerEntry struct {
	WalletID     uuid.UUID       `db:"wallet_id"`
	Currency     string          `db:"currency"`
	Amount       decimal.Decimal `db:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after"`
}

// AccountReconciliation compares what a wallet's rows moved against how far its
// balance moved over the same period. A non-zero Mismatch means the ledger and
// the running balance disagree.
type AccountReconciliation struct {
	WalletID     uuid.UUID       `json:"walletId"`
	Currency     string          `json:"currency"`
	Credits      decimal.Decimal `json:"credits"`
	Debits       decimal.Decimal `json:"debits"`
	NetChange    decimal.Decimal `json:"netChange"`
	StartBalance decimal.Decimal `json:"startBalance"`
	EndBalance   decimal.Decimal `json:"endBalance"`
	Mismatch     decimal.Decimal `json:"mismatch"`
}

type CurrencyReconciliation struct {
	Currency  string          `json:"currency"`
	Credits   decimal.Decimal `json:"credits"`
	Debits    decimal.Decimal `json:"debits"`
	NetChange decimal.Decimal `json:"netChange"`
	Wallets   int             `json:"wallets"`
}

type ReconciliationReport struct {
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	GeneratedAt time.Time                `json:"generatedAt"`
	Accounts    []AccountReconciliation  `json:"accounts"`
	Currencies  []CurrencyReconciliation `json:"currencies"`
}
