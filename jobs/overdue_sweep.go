package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/praxisbill/praxisbill/internal/analytics"
)

// OverdueMarker is the slice of the ledger the sweep needs.
type OverdueMarker interface {
	MarkOverdueBatch(ctx context.Context) (int64, error)
}

// NewOverdueSweepHandler returns the handler for TaskTypeOverdueSweep. It
// bulk-transitions past-due open invoices and invalidates cached analytics
// when anything moved.
func NewOverdueSweepHandler(marker OverdueMarker, cache *analytics.Cache, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		affected, err := marker.MarkOverdueBatch(ctx)
		if err != nil {
			return err
		}
		logger.Info("overdue sweep", slog.Int64("invoices", affected))
		if affected > 0 {
			if err := cache.Bump(ctx); err != nil {
				logger.Warn("bump analytics cache", slog.Any("error", err))
			}
		}
		return nil
	}
}
