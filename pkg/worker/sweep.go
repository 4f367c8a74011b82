package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/pricing"
	"github.com/3leaps/clipforge/pkg/store"
)

// DefaultStuckThreshold is how long a job may stay running before the sweep
// presumes its worker dead.
const DefaultStuckThreshold = 20 * time.Minute

// SweepResult reports what a sweep changed.
type SweepResult struct {
	Reset    int64 `json:"reset"`
	Refunded int   `json:"refunded"`
}

// Sweep returns jobs stuck in running for longer than threshold to the
// queue, then credits any refund a crashed tick left unpaid. Running it twice
// in a row resets nothing the second time.
func (w *Worker) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	var res SweepResult
	n, err := store.ResetStuckJobs(ctx, w.db, threshold)
	if err != nil {
		return res, err
	}
	res.Reset = n
	if n > 0 {
		w.logger.Warn("Reset stuck jobs", zap.Int64("count", n), zap.Duration("threshold", threshold))
	}

	res.Refunded, err = w.reconcileRefunds(ctx)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (w *Worker) reconcileRefunds(ctx context.Context) (int, error) {
	if w.ledger == nil {
		return 0, nil
	}
	candidates, err := store.ListRefundCandidates(ctx, w.db, 0)
	if err != nil {
		return 0, err
	}
	refunded := 0
	touched := map[string]bool{}
	for _, c := range candidates {
		share := pricing.PerItemShare(c.ChargeCents, c.VariantCount)
		ok, err := w.ledger.Refund(ctx, c.UserID, c.BatchID, c.ClipID, share)
		if err != nil {
			return refunded, fmt.Errorf("refund clip %s: %w", c.ClipID, err)
		}
		if ok {
			refunded++
		}
		touched[c.BatchID] = true
	}
	for id := range touched {
		if _, err := store.SyncBatchRefunds(ctx, w.db, id); err != nil {
			return refunded, err
		}
	}
	if refunded > 0 {
		w.logger.Info("Reconciled missing refunds", zap.Int("count", refunded))
	}
	return refunded, nil
}
