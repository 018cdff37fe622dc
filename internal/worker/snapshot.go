package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/models"

	"github.com/google/uuid"
)

type BalanceSource interface {
	ListWalletBalances(ctx context.Context, afterID *uuid.UUID, limit int) ([]models.WalletBalance, error)
}

type SnapshotStore interface {
	SaveSnapshots(ctx context.Context, snapshots []models.BalanceSnapshot) error
	Cursor(ctx context.Context) (*uuid.UUID, error)
	SetCursor(ctx context.Context, cursor *uuid.UUID) error
}

// SnapshotPublisher copies wallet balances to the snapshot store one page per
// run, cycling through all wallets over successive runs. It never writes to
// the ledger.
type SnapshotPublisher struct {
	source   BalanceSource
	store    SnapshotStore
	recorder metrics.Recorder
	logger   *slog.Logger
	interval time.Duration
	pageSize int
	now      func() time.Time

	mu sync.Mutex
}

func NewSnapshotPublisher(source BalanceSource, store SnapshotStore, recorder metrics.Recorder, logger *slog.Logger, interval time.Duration, pageSize int) *SnapshotPublisher {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &SnapshotPublisher{
		source:   source,
		store:    store,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *SnapshotPublisher) Run(ctx context.Context) {
	runEvery(ctx, p.logger, "snapshot_publisher", p.interval, func(ctx context.Context) error {
		_, err := p.RunOnce(ctx)
		return err
	})
}

// RunOnce returns the number of snapshots written.
func (p *SnapshotPublisher) RunOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.recorder.RecordLatency(metrics.KindSnapshot, time.Since(start))
	}()

	cursor, err := p.store.Cursor(ctx)
	if err != nil {
		p.recorder.RecordFailure(metrics.KindSnapshot, models.CodeServiceError)
		return 0, err
	}
	page, err := p.source.ListWalletBalances(ctx, cursor, p.pageSize)
	if err != nil {
		p.recorder.RecordFailure(metrics.KindSnapshot, models.ErrorCode(err))
		return 0, err
	}
	if len(page) == 0 && cursor != nil {
		// Past the last wallet: start over.
		cursor = nil
		if page, err = p.source.ListWalletBalances(ctx, nil, p.pageSize); err != nil {
			p.recorder.RecordFailure(metrics.KindSnapshot, models.ErrorCode(err))
			return 0, err
		}
	}
	if len(page) == 0 {
		return 0, nil
	}

	capturedAt := p.now()
	snapshots := make([]models.BalanceSnapshot, 0, len(page))
	for _, b := range page {
		snapshots = append(snapshots, models.BalanceSnapshot{WalletID: b.ID, Balance: b.Balance, CapturedAt: capturedAt})
	}
	if err := p.store.SaveSnapshots(ctx, snapshots); err != nil {
		p.recorder.RecordFailure(metrics.KindSnapshot, models.CodeServiceError)
		return 0, err
	}

	var next *uuid.UUID
	if len(page) == p.pageSize {
		last := page[len(page)-1].ID
		next = &last
	}
	if err := p.store.SetCursor(ctx, next); err != nil {
		p.recorder.RecordFailure(metrics.KindSnapshot, models.CodeServiceError)
		return len(snapshots), err
	}

	p.recorder.RecordSnapshots(len(snapshots))
	p.logger.Debug("Balance snapshots published",
		slog.Int("count", len(snapshots)),
		slog.Bool("wrapped", next == nil),
	)
	return len(snapshots), nil
}
