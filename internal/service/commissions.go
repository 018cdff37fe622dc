package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wallet_ledger/internal/events"
	"wallet_ledger/internal/models"

	"github.com/google/uuid"
)

// HandleCommissionApproved records an approved commission as a PENDING credit
// on the user's commission wallet, creating that wallet on first use. The
// sweeper settles it later. Redelivery of the same event is a replay.
func (s *LedgerService) HandleCommissionApproved(ctx context.Context, event events.CommissionApproved) error {
	key := strings.TrimSpace(event.IdempotencyKey)
	if key == "" {
		if event.CommissionID == uuid.Nil {
			return fmt.Errorf("%w: no idempotency key and no commission id", models.ErrInvalidCommissionEvent)
		}
		key = "commission:" + event.CommissionID.String()
	}

	wallet, err := s.commissionWallet(ctx, event.UserID)
	if err != nil {
		return err
	}
	if wallet.IsLocked {
		s.logger.Warn("Approved commission targets a locked wallet",
			slog.String("commission_id", event.CommissionID.String()),
			slog.String("wallet_id", wallet.ID.String()),
			slog.String("code", models.CodeAccountFrozen),
		)
	}

	description := event.Description
	if description == "" {
		description = "Approved commission " + event.CommissionID.String()
	}
	_, err = s.CommissionCredit(ctx, OperationRequest{
		WalletID:       wallet.ID,
		Amount:         event.Amount,
		Description:    description,
		Reference:      event.Reference,
		Metadata:       map[string]any{"commission_id": event.CommissionID.String()},
		IdempotencyKey: key,
	})
	return err
}

// commissionWallet returns the user's commission wallet, creating it when the
// user has none. A concurrent creation is resolved by reading the winner's row.
func (s *LedgerService) commissionWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: no user id", models.ErrInvalidCommissionEvent)
	}
	wt, err := s.repo.GetWalletTypeByName(ctx, models.CommissionWalletType)
	if err != nil {
		return nil, err
	}
	if w, err := s.findUserWallet(ctx, userID, wt.ID); err != nil || w != nil {
		return w, err
	}

	w, err := s.CreateWallet(ctx, userID, wt.ID, "")
	if errors.Is(err, models.ErrWalletAlreadyExists) {
		w, err = s.findUserWallet(ctx, userID, wt.ID)
		if err == nil && w == nil {
			err = fmt.Errorf("%w: commission wallet for user %s", models.ErrWalletNotFound, userID)
		}
	}
	return w, err
}

func (s *LedgerService) findUserWallet(ctx context.Context, userID, walletTypeID uuid.UUID) (*models.Wallet, error) {
	wallets, err := s.repo.ListUserWallets(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if w.WalletTypeID == walletTypeID {
			return w, nil
		}
	}
	return nil, nil
}
