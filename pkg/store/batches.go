package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/clipforge/pkg/model"
)

const batchColumns = `id, user_id, intent, method, requested_method, test_mode, variant_count,
	output_kind, status, quality_tier, base_cost_cents, user_charge_cents, payment_status,
	refunded_cents, research_payload, error, created_at, updated_at, settled_at`

// InsertBatch writes a new batch row. CreatedAt and UpdatedAt default to now.
func InsertBatch(ctx context.Context, db *sql.DB, b *model.Batch) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	now := nowFunc()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}

	var research sql.NullString
	if len(b.ResearchPayload) > 0 {
		research = sql.NullString{String: string(b.ResearchPayload), Valid: true}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, nullString(b.UserID), b.Intent, b.Method, b.RequestedMethod, string(b.TestMode),
		b.VariantCount, string(b.OutputKind), string(b.Status), string(b.QualityTier),
		b.BaseCostCents, b.UserChargeCents, string(b.PaymentStatus), b.RefundedCents,
		research, nullString(b.Error), toMillis(b.CreatedAt), toMillis(b.UpdatedAt),
		nullMillis(b.SettledAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func scanBatch(row interface{ Scan(...any) error }) (*model.Batch, error) {
	var (
		b                                     model.Batch
		userID, research, errText             sql.NullString
		testMode, kind, status, tier, payment string
		createdAt, updatedAt                  int64
		settledAt                             sql.NullInt64
	)
	if err := row.Scan(&b.ID, &userID, &b.Intent, &b.Method, &b.RequestedMethod, &testMode,
		&b.VariantCount, &kind, &status, &tier, &b.BaseCostCents, &b.UserChargeCents, &payment,
		&b.RefundedCents, &research, &errText, &createdAt, &updatedAt, &settledAt); err != nil {
		return nil, err
	}
	b.UserID = userID.String
	b.TestMode = model.TestMode(testMode)
	b.OutputKind = model.OutputKind(kind)
	b.Status = model.BatchStatus(status)
	b.QualityTier = model.QualityTier(tier)
	b.PaymentStatus = model.PaymentStatus(payment)
	if research.Valid && research.String != "" {
		b.ResearchPayload = json.RawMessage(research.String)
	}
	b.Error = errText.String
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	b.SettledAt = ptrFromNullMillis(settledAt)
	return &b, nil
}

func getBatch(ctx context.Context, q execer, id string) (*model.Batch, error) {
	row := q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// GetBatch returns the batch with the given id or ErrNotFound.
func GetBatch(ctx context.Context, db *sql.DB, id string) (*model.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return getBatch(ctx, db, id)
}

// LatestBatch returns the most recently created batch for a user.
func LatestBatch(ctx context.Context, db *sql.DB, userID string) (*model.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches
		 WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`, userID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("latest batch for %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	return b, nil
}

// BatchFilter narrows ListBatches. Zero values mean "any".
type BatchFilter struct {
	UserID string
	Status model.BatchStatus
	Limit  int
}

// ListBatches returns batches newest first.
func ListBatches(ctx context.Context, db *sql.DB, f BatchFilter) ([]model.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// allowedFrom lists the statuses from which a batch may move to next.
func allowedFrom(next model.BatchStatus) []any {
	var out []any
	for _, s := range []model.BatchStatus{
		model.BatchQueued, model.BatchResearching, model.BatchRunning,
		model.BatchDone, model.BatchFailed, model.BatchCancelled,
	} {
		if s.CanTransitionTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func updateBatchStatus(ctx context.Context, q execer, id string, next model.BatchStatus, errText string, now time.Time) (bool, error) {
	from := allowedFrom(next)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, next)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(next), toMillis(now), nullString(errText), id}
	args = append(args, from...)

	res, err := q.ExecContext(ctx,
		`UPDATE batches
		 SET status = ?, updated_at = ?, error = COALESCE(?, error)
		 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("update batch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateBatchStatus moves a batch to next if its current status allows it.
// It returns ErrInvalidTransition when the row exists but the edge is not allowed.
func UpdateBatchStatus(ctx context.Context, db *sql.DB, id string, next model.BatchStatus, errText string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ok, err := updateBatchStatus(ctx, db, id, next, errText, nowFunc())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	cur, err := getBatch(ctx, db, id)
	if err != nil {
		return err
	}
	if cur.Status == next {
		return nil
	}
	return fmt.Errorf("%w: batch %s %s -> %s", ErrInvalidTransition, id, cur.Status, next)
}

// SetBatchResearch stores the research result.
func SetBatchResearch(ctx context.Context, db *sql.DB, id string, payload json.RawMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return setBatchResearch(ctx, db, id, payload, nowFunc())
}

func setBatchResearch(ctx context.Context, q execer, id string, payload json.RawMessage, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE batches SET research_payload = ?, updated_at = ? WHERE id = ?`,
		string(payload), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("set batch research: %w", err)
	}
	return requireOneRow(res, "batch", id)
}

// SetBatchPayment records the payment outcome.
func SetBatchPayment(ctx context.Context, db *sql.DB, id string, status model.PaymentStatus) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := db.ExecContext(ctx,
		`UPDATE batches SET payment_status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(nowFunc()), id)
	if err != nil {
		return fmt.Errorf("set batch payment: %w", err)
	}
	return requireOneRow(res, "batch", id)
}

// SyncBatchRefunds recomputes refunded_cents from the ledger's refund entries
// for the batch, per-clip and whole-batch alike. A batch refunded in full moves to payment status refunded.
// Recomputing (rather than incrementing) keeps the call idempotent.
func SyncBatchRefunds(ctx context.Context, db *sql.DB, id string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var total int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount_cents), 0) FROM credit_entries
			 WHERE batch_id = ? AND kind IN ('refund', 'batch_refund')`, id).Scan(&total); err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE batches
			 SET refunded_cents = ?,
			     payment_status = CASE
			         WHEN payment_status = 'charged' AND ? >= user_charge_cents AND user_charge_cents > 0 THEN 'refunded'
			         ELSE payment_status END,
			     updated_at = ?
			 WHERE id = ?`, total, total, toMillis(nowFunc()), id)
		if err != nil {
			return fmt.Errorf("update refunded: %w", err)
		}
		return requireOneRow(res, "batch", id)
	})
	return total, err
}

// Settlement describes the outcome of SettleBatch.
type Settlement struct {
	Status  model.BatchStatus
	Total   int
	Ready   int
	Failed  int
	Pending int
	// Settled is true once every clip is terminal.
	Settled bool
	// Changed is true when this call moved the batch status or stamped settled_at.
	Changed bool
}

// SettleBatch applies the batch completion rules once clips become terminal:
// every clip ready makes the batch done; every clip terminal with none ready
// makes it failed; a mix leaves the status alone and stamps settled_at.
func SettleBatch(ctx context.Context, db *sql.DB, id string) (Settlement, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var s Settlement
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		s.Status = b.Status

		rows, err := tx.QueryContext(ctx, `SELECT status FROM clips WHERE batch_id = ?`, id)
		if err != nil {
			return fmt.Errorf("read clip statuses: %w", err)
		}
		for rows.Next() {
			var st string
			if err := rows.Scan(&st); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan clip status: %w", err)
			}
			s.Total++
			switch model.ClipStatus(st) {
			case model.ClipReady:
				s.Ready++
			case model.ClipFailed:
				s.Failed++
			default:
				s.Pending++
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate clip statuses: %w", err)
		}
		_ = rows.Close()

		if s.Total == 0 || s.Pending > 0 || b.Status.IsTerminal() {
			s.Settled = s.Total > 0 && s.Pending == 0
			return nil
		}
		s.Settled = true
		now := nowFunc()

		var next model.BatchStatus
		switch {
		case s.Ready == s.Total:
			next = model.BatchDone
		case s.Ready == 0:
			next = model.BatchFailed
		}

		if next != "" {
			errText := ""
			if next == model.BatchFailed {
				errText = "all clips failed"
			}
			ok, err := updateBatchStatus(ctx, tx, id, next, errText, now)
			if err != nil {
				return err
			}
			if ok {
				s.Status = next
				s.Changed = true
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET settled_at = ?, updated_at = ? WHERE id = ? AND settled_at IS NULL`,
			toMillis(now), toMillis(now), id)
		if err != nil {
			return fmt.Errorf("stamp settled_at: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.Changed = true
		}
		return nil
	})
	return s, err
}

// CancelBatch moves an active batch to cancelled. In the same transaction
// every non-terminal clip is marked failed with UI state canceled and every
// queued job is failed. Running jobs are left to discover the cancellation
// when they commit.
func CancelBatch(ctx context.Context, db *sql.DB, id string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var canceled int64
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		now := nowFunc()
		ok, err := updateBatchStatus(ctx, tx, id, model.BatchCancelled, "cancelled by user", now)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := getBatch(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, id, cur.Status)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE clips
			 SET status = ?, ui_state = ?, error = ?, error_class = ?, updated_at = ?
			 WHERE batch_id = ? AND status NOT IN (?, ?)`,
			string(model.ClipFailed), string(model.UICanceled), "batch cancelled",
			string(model.FailCancelled), toMillis(now), id,
			string(model.ClipReady), string(model.ClipFailed))
		if err != nil {
			return fmt.Errorf("cancel clips: %w", err)
		}
		canceled, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET status = ?, last_error = ?, finished_at = ?, updated_at = ?
			 WHERE batch_id = ? AND status = ?`,
			string(model.JobFailed), "batch cancelled", toMillis(now), toMillis(now),
			id, string(model.JobQueued)); err != nil {
			return fmt.Errorf("cancel queued jobs: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET settled_at = COALESCE(settled_at, ?) WHERE id = ?`, toMillis(now), id)
		if err != nil {
			return fmt.Errorf("stamp settled_at: %w", err)
		}
		return nil
	})
	return canceled, err
}

// DeleteBatch removes a batch with its clips and jobs. It is only used to
// compensate a creation that could not be paid for or fully persisted.
func DeleteBatch(ctx context.Context, db *sql.DB, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM jobs WHERE batch_id = ?`,
			`DELETE FROM clips WHERE batch_id = ?`,
			`DELETE FROM batches WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete batch: %w", err)
			}
		}
		return nil
	})
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
