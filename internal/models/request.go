package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateWalletRequest struct {
	UserID       uuid.UUID `json:"userId" binding:"required"`
	WalletTypeID uuid.UUID `json:"walletTypeId" binding:"required"`
	TenantID     string    `json:"tenantId"`
}

type OperationRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	Metadata    map[string]any  `json:"metadata"`
}

type TransferRequest struct {
	ToWalletID  uuid.UUID       `json:"toWalletId" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	Metadata    map[string]any  `json:"metadata"`
}

type LockRequest struct {
	Reason string `json:"reason"`
}

type CreateWalletTypeRequest struct {
	Name     string `json:"name" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}
