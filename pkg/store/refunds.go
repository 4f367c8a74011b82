package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3leaps/clipforge/pkg/model"
)

// RefundCandidate is a failed, not-charged clip of a paid batch whose refund
// has not been recorded yet.
type RefundCandidate struct {
	BatchID      string
	ClipID       string
	UserID       string
	ChargeCents  int64
	VariantCount int
}

// ListRefundCandidates finds clips that should have been refunded but have
// no refund entry, e.g. because the worker stopped between failing the clip
// and crediting the ledger.
func ListRefundCandidates(ctx context.Context, db *sql.DB, limit int) ([]RefundCandidate, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT c.batch_id, c.id, b.user_id, b.user_charge_cents, b.variant_count
		 FROM clips c
		 JOIN batches b ON b.id = c.batch_id
		 WHERE c.status = ? AND c.charged_state = ?
		   AND b.payment_status IN (?, ?)
		   AND b.user_id IS NOT NULL AND b.user_id != '' AND b.user_charge_cents > 0
		   AND NOT EXISTS (
		       SELECT 1 FROM credit_entries e
		       WHERE e.kind = 'refund' AND e.batch_id = c.batch_id AND e.clip_id = c.id)
		 ORDER BY c.updated_at
		 LIMIT ?`,
		string(model.ClipFailed), string(model.NotCharged),
		string(model.PaymentCharged), string(model.PaymentRefunded), limit)
	if err != nil {
		return nil, fmt.Errorf("list refund candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RefundCandidate
	for rows.Next() {
		var c RefundCandidate
		if err := rows.Scan(&c.BatchID, &c.ClipID, &c.UserID, &c.ChargeCents, &c.VariantCount); err != nil {
			return nil, fmt.Errorf("scan refund candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund candidates: %w", err)
	}
	return out, nil
}
