// Package ledger keeps per-user credit balances.
//
// Every balance change is recorded as an entry with a unique key, so debits,
// refunds and grants can be retried without double-applying. The tables are
// created by store.Migrate.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInsufficientCredits is returned when a debit exceeds the balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDebit       EntryKind = "debit"
	KindRefund      EntryKind = "refund"
	KindBatchRefund EntryKind = "batch_refund"
	KindGrant       EntryKind = "grant"
)

// Entry is one recorded balance change. Amounts are always positive; the
// kind determines the sign.
type Entry struct {
	Key         string    `json:"entry_key"`
	UserID      string    `json:"user_id"`
	Kind        EntryKind `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	BatchID     string    `json:"batch_id,omitempty"`
	ClipID      string    `json:"clip_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DebitKey is the idempotency key of the debit for a batch.
func DebitKey(batchID string) string { return "debit:" + batchID }

// RefundKey is the idempotency key of the refund for one clip of a batch.
func RefundKey(batchID, clipID string) string { return "refund:" + batchID + ":" + clipID }

// RefundBatchKey is the idempotency key of a whole-batch refund. It shares no
// prefix with RefundKey, so no clip id can collide with it.
func RefundBatchKey(batchID string) string { return "refund-batch:" + batchID }

// GrantKey is the idempotency key of an operator grant.
func GrantKey(userID, reference string) string { return "grant:" + userID + ":" + reference }

// Ledger applies idempotent balance changes.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Debit charges amount against the user's balance for a batch. It reports
// whether this call applied the debit; a repeated call for the same batch is
// a no-op. Debit fails closed with ErrInsufficientCredits.
func (l *Ledger) Debit(ctx context.Context, userID, batchID string, amount int64) (bool, error) {
	if err := requireIDs(userID, batchID); err != nil {
		return false, err
	}
	return l.apply(ctx, Entry{
		Key:         DebitKey(batchID),
		UserID:      userID,
		Kind:        KindDebit,
		AmountCents: amount,
		BatchID:     batchID,
	})
}

// Refund credits back amount for one clip. At most one refund is applied per
// (batch, clip).
func (l *Ledger) Refund(ctx context.Context, userID, batchID, clipID string, amount int64) (bool, error) {
	if err := requireIDs(userID, batchID); err != nil {
		return false, err
	}
	if strings.TrimSpace(clipID) == "" {
		return false, errors.New("clip id is required")
	}
	return l.apply(ctx, Entry{
		Key:         RefundKey(batchID, clipID),
		UserID:      userID,
		Kind:        KindRefund,
		AmountCents: amount,
		BatchID:     batchID,
		ClipID:      clipID,
	})
}

// RefundBatch credits back amount for a batch as a whole, without a clip. It
// compensates a creation that failed after the debit, and applies at most
// once per batch.
func (l *Ledger) RefundBatch(ctx context.Context, userID, batchID string, amount int64) (bool, error) {
	if err := requireIDs(userID, batchID); err != nil {
		return false, err
	}
	return l.apply(ctx, Entry{
		Key:         RefundBatchKey(batchID),
		UserID:      userID,
		Kind:        KindBatchRefund,
		AmountCents: amount,
		BatchID:     batchID,
	})
}

// Grant tops up a user's balance. reference makes the grant idempotent.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reference string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("user id is required")
	}
	if strings.TrimSpace(reference) == "" {
		return false, errors.New("grant reference is required")
	}
	return l.apply(ctx, Entry{
		Key:         GrantKey(userID, reference),
		UserID:      userID,
		Kind:        KindGrant,
		AmountCents: amount,
		Reference:   reference,
	})
}

// Balance returns the user's balance. Unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var bal int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance_cents FROM credit_accounts WHERE user_id = ?`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// Entries returns the user's entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_key, user_id, kind, amount_cents, batch_id, clip_id, reference, created_at
		 FROM credit_entries
		 WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			kind             string
			batch, clip, ref sql.NullString
			createdAt        int64
		)
		if err := rows.Scan(&e.Key, &e.UserID, &kind, &e.AmountCents, &batch, &clip, &ref, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.BatchID = batch.String
		e.ClipID = clip.String
		e.Reference = ref.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, e Entry) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l == nil || l.db == nil {
		return false, errors.New("ledger is not configured")
	}
	if e.AmountCents < 0 {
		return false, fmt.Errorf("amount must not be negative, got %d", e.AmountCents)
	}
	if e.AmountCents == 0 {
		return false, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now().UnixMilli()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM credit_entries WHERE entry_key = ?`, e.Key).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance_cents, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT(user_id) DO NOTHING`, e.UserID, now); err != nil {
		return false, fmt.Errorf("ensure account: %w", err)
	}

	delta := e.AmountCents
	if e.Kind == KindDebit {
		delta = -e.AmountCents
		var bal int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance_cents FROM credit_accounts WHERE user_id = ?`, e.UserID).Scan(&bal); err != nil {
			return false, fmt.Errorf("read balance: %w", err)
		}
		if bal < e.AmountCents {
			return false, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, bal, e.AmountCents)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_entries (entry_key, user_id, kind, amount_cents, batch_id, clip_id, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.UserID, string(e.Kind), e.AmountCents, nullString(e.BatchID), nullString(e.ClipID),
		nullString(e.Reference), now); err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance_cents = balance_cents + ?, updated_at = ? WHERE user_id = ?`,
		delta, now, e.UserID); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func requireIDs(userID, batchID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(batchID) == "" {
		return errors.New("batch id is required")
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
