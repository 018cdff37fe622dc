package worker

import (
	"context"
	"log/slog"
	"time"
)

// runEvery calls fn once per interval until ctx is cancelled. A tick that fires
// while fn is still running is dropped, so runs never overlap.
func runEvery(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	logger.Info("Worker started", slog.String("worker", name), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker stopped", slog.String("worker", name))
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Worker run failed",
					slog.String("worker", name),
					slog.Any("err", err),
				)
			}
		}
	}
}
