package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"wallet_ledger/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const LedgerEventsChannel = "wallet_ledger_events"

const (
	EventTransactionRecorded = "transaction.recorded"
	EventCommissionSettled   = "commission.settled"
)

type LedgerEvent struct {
	EventType            string          `json:"event_type"`
	TransactionID        uuid.UUID       `json:"transaction_id"`
	WalletID             uuid.UUID       `json:"wallet_id"`
	TransactionType      string          `json:"transaction_type"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	BalanceAfter         decimal.Decimal `json:"balance_after"`
	CorrelationID        *uuid.UUID      `json:"correlation_id,omitempty"`
	RelatedTransactionID *uuid.UUID      `json:"related_transaction_id,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
}

func NewLedgerEvent(eventType string, txn *models.Transaction, at time.Time) *LedgerEvent {
	return &LedgerEvent{
		EventType:            eventType,
		TransactionID:        txn.ID,
		WalletID:             txn.WalletID,
		TransactionType:      txn.TypeCode,
		Status:               string(txn.Status),
		Amount:               txn.Amount,
		BalanceAfter:         txn.BalanceAfter,
		CorrelationID:        txn.CorrelationID,
		RelatedTransactionID: txn.RelatedTransactionID,
		Timestamp:            at,
	}
}

// Publisher notifies subscribers about committed ledger rows. Delivery is best
// effort: the ledger is the source of truth and a lost event is never replayed.
type Publisher struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, channel: LedgerEventsChannel, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event *LedgerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug("Ledger event published",
		slog.String("event_type", event.EventType),
		slog.String("transaction_id", event.TransactionID.String()),
	)
	return nil
}

// PublishTransactions emits one event per row and logs failures instead of
// returning them.
func (p *Publisher) PublishTransactions(ctx context.Context, eventType string, at time.Time, txns ...*models.Transaction) {
	for _, txn := range txns {
		if txn == nil {
			continue
		}
		if err := p.Publish(ctx, NewLedgerEvent(eventType, txn, at)); err != nil {
			p.logger.Warn("Failed to publish ledger event",
				slog.String("transaction_id", txn.ID.String()),
				slog.Any("err", err),
			)
		}
	}
}
