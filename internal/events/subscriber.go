package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const CommissionApprovedChannel = "commission_approved_events"

// CommissionApproved is published by the commission service once a commission
// may be paid out. IdempotencyKey makes redelivery safe.
type CommissionApproved struct {
	CommissionID   uuid.UUID       `json:"commission_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	Reference      string          `json:"reference,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ApprovedAt     time.Time       `json:"approved_at"`
}

type CommissionHandler interface {
	HandleCommissionApproved(ctx context.Context, event CommissionApproved) error
}

type CommissionSubscriber struct {
	rdb     *redis.Client
	channel string
	handler CommissionHandler
	logger  *slog.Logger
	pubsub  *redis.PubSub
}

func NewCommissionSubscriber(rdb *redis.Client, handler CommissionHandler, logger *slog.Logger) *CommissionSubscriber {
	return &CommissionSubscriber{
		rdb:     rdb,
		channel: CommissionApprovedChannel,
		handler: handler,
		logger:  logger,
	}
}

// Start returns once the subscription is confirmed. Messages are handled on a
// separate goroutine until ctx is cancelled.
func (s *CommissionSubscriber) Start(ctx context.Context) error {
	s.pubsub = s.rdb.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("Subscribed to commission events", slog.String("channel", s.channel))
	go s.listen(ctx)
	return nil
}

func (s *CommissionSubscriber) listen(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping commission subscriber")
			_ = s.pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			s.process(ctx, msg.Payload)
		}
	}
}

// process never returns an error: a message that cannot be applied is logged
// and dropped, and the sender's idempotency key lets it be republished.
func (s *CommissionSubscriber) process(ctx context.Context, payload string) {
	var event CommissionApproved
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.logger.Warn("Failed to parse commission event", slog.Any("err", err))
		return
	}
	if err := s.handler.HandleCommissionApproved(ctx, event); err != nil {
		s.logger.Error("Failed to apply approved commission",
			slog.String("commission_id", event.CommissionID.String()),
			slog.String("user_id", event.UserID.String()),
			slog.Any("err", err),
		)
		return
	}
	s.logger.Debug("Approved commission applied",
		slog.String("commission_id", event.CommissionID.String()),
	)
}
