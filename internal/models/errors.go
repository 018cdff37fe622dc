package models

import "errors"

var (
	ErrWalletNotFound               = errors.New("wallet not found")
	ErrWalletInactive               = errors.New("wallet is inactive")
	ErrWalletAlreadyExists          = errors.New("wallet already exists")
	ErrInvalidAmount                = errors.New("amount must be positive")
	ErrWalletLocked                 = errors.New("wallet is locked")
	ErrInsufficientBalance          = errors.New("insufficient balance")
	ErrDailyCapExceeded             = errors.New("daily debit cap exceeded")
	ErrInvalidTransfer              = errors.New("invalid transfer")
	ErrTransactionTypeNotConfigured = errors.New("transaction type not configured")
	ErrPersistenceFailure           = errors.New("persistence failure")
	ErrTransactionNotFound          = errors.New("transaction not found")
	ErrAlreadyCompleted             = errors.New("transaction already completed")
	ErrLockStateConflict            = errors.New("wallet lock state conflict")
	ErrWalletTypeNotFound           = errors.New("wallet type not found")
	ErrWalletTypeAlreadyExists      = errors.New("wallet type already exists")
	ErrInvalidWalletType            = errors.New("invalid wallet type")
	ErrInvalidDateRange             = errors.New("invalid date range")
	ErrInvalidCommissionEvent       = errors.New("invalid commission event")
	ErrInvalidCursor                = errors.New("invalid statement cursor")
)

// Error codes reported to callers, logs and the failure counter.
const (
	CodeWalletNotFound     = "WLT_NOT_FOUND"
	CodeWalletInactive     = "WLT_ACCOUNT_INACTIVE"
	CodeWalletExists       = "WLT_WALLET_EXISTS"
	CodeInvalidAmount      = "WLT_INVALID_AMOUNT"
	CodeAccountFrozen      = "WLT_ACCOUNT_FROZEN"
	CodeNegativeBlocked    = "WLT_NEGATIVE_BLOCKED"
	CodeDailyCapExceeded   = "WLT_DAILY_CAP_EXCEEDED"
	CodeInvalidTransfer    = "WLT_INVALID_TRANSFER"
	CodeTypeNotConfigured  = "WLT_TYPE_NOT_CONFIGURED"
	CodePersistenceFailure = "WLT_PERSISTENCE_FAILURE"
	CodeTransactionMissing = "WLT_TRANSACTION_NOT_FOUND"
	CodeAlreadyCompleted   = "WLT_ALREADY_COMPLETED"
	CodeLockStateConflict  = "WLT_LOCK_STATE_CONFLICT"
	CodeWalletTypeMissing  = "WLT_WALLET_TYPE_NOT_FOUND"
	CodeWalletTypeExists   = "WLT_WALLET_TYPE_EXISTS"
	CodeInvalidCursor      = "WLT_INVALID_CURSOR"
	CodeSettlementError    = "WLT_SETTLEMENT_ERR"
	CodeServiceError       = "WLT_SERVICE_ERR"
	CodeIdempotencyMissing = "WLT_IDEMPOTENCY_REQUIRED"
	CodeInvalidRequest     = "WLT_INVALID_REQUEST"
	CodeInternal           = "WLT_INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrWalletNotFound, CodeWalletNotFound},
	{ErrWalletInactive, CodeWalletInactive},
	{ErrWalletAlreadyExists, CodeWalletExists},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrWalletLocked, CodeAccountFrozen},
	{ErrInsufficientBalance, CodeNegativeBlocked},
	{ErrDailyCapExceeded, CodeDailyCapExceeded},
	{ErrInvalidTransfer, CodeInvalidTransfer},
	{ErrTransactionTypeNotConfigured, CodeTypeNotConfigured},
	{ErrTransactionNotFound, CodeTransactionMissing},
	{ErrAlreadyCompleted, CodeAlreadyCompleted},
	{ErrLockStateConflict, CodeLockStateConflict},
	{ErrWalletTypeNotFound, CodeWalletTypeMissing},
	{ErrWalletTypeAlreadyExists, CodeWalletTypeExists},
	{ErrInvalidWalletType, CodeInvalidRequest},
	{ErrInvalidDateRange, CodeInvalidRequest},
	{ErrInvalidCommissionEvent, CodeInvalidRequest},
	{ErrInvalidCursor, CodeInvalidCursor},
	{ErrPersistenceFailure, CodePersistenceFailure},
}

// ErrorCode returns the stable code for err, or CodeInternal when err is not
// one of the ledger error kinds.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
