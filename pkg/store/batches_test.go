package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/model"
)

func TestInsertAndGetBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	b, _ := seedBatch(t, db, "user-1", 2)

	got, err := GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, model.BatchRunning, got.Status)
	assert.Equal(t, model.PaymentCharged, got.PaymentStatus)
	assert.Equal(t, int64(300), got.UserChargeCents)
	assert.Nil(t, got.SettledAt)
	assert.Nil(t, got.ResearchPayload)

	_, err = GetBatch(ctx, db, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLatestAndListBatches(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	withClock(t, &now)

	first, _ := seedBatch(t, db, "alice", 1)
	now = now.Add(time.Minute)
	second, _ := seedBatch(t, db, "alice", 1)
	now = now.Add(time.Minute)
	seedBatch(t, db, "bob", 1)

	latest, err := LatestBatch(ctx, db, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = LatestBatch(ctx, db, "carol")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = LatestBatch(ctx, db, "")
	assert.Error(t, err)

	list, err := ListBatches(ctx, db, BatchFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	all, err := ListBatches(ctx, db, BatchFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateBatchStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, _ := seedBatch(t, db, "u", 1)

	require.NoError(t, UpdateBatchStatus(ctx, db, b.ID, model.BatchDone, ""))
	// Restating the current status is a no-op.
	require.NoError(t, UpdateBatchStatus(ctx, db, b.ID, model.BatchDone, ""))

	err := UpdateBatchStatus(ctx, db, b.ID, model.BatchRunning, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = UpdateBatchStatus(ctx, db, "missing", model.BatchDone, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetBatchResearchAndPayment(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, _ := seedBatch(t, db, "u", 1)

	payload := json.RawMessage(`{"angles":["a","b"]}`)
	require.NoError(t, SetBatchResearch(ctx, db, b.ID, payload))
	require.NoError(t, SetBatchPayment(ctx, db, b.ID, model.PaymentFailed))

	got, err := GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got.ResearchPayload))
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)

	assert.True(t, errors.Is(SetBatchPayment(ctx, db, "missing", model.PaymentFree), ErrNotFound))
}

func TestSyncBatchRefunds(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, clips := seedBatch(t, db, "u", 2)

	insertRefund := func(clipID string, amount int64) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO credit_entries (entry_key, user_id, kind, amount_cents, batch_id, clip_id, created_at)
			 VALUES (?, 'u', 'refund', ?, ?, ?, 0)`,
			"refund:"+b.ID+":"+clipID, amount, b.ID, clipID)
		require.NoError(t, err)
	}

	insertRefund(clips[0].ID, 150)
	total, err := SyncBatchRefunds(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)

	// Idempotent.
	total, err = SyncBatchRefunds(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)

	got, err := GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.RefundedCents)
	assert.Equal(t, model.PaymentCharged, got.PaymentStatus)

	insertRefund(clips[1].ID, 150)
	_, err = SyncBatchRefunds(ctx, db, b.ID)
	require.NoError(t, err)
	got, err = GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.RefundedCents)
	assert.Equal(t, model.PaymentRefunded, got.PaymentStatus)
}

func TestSyncBatchRefunds_CountsBatchRefund(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, _ := seedBatch(t, db, "u", 2)

	_, err := db.ExecContext(ctx,
		`INSERT INTO credit_entries (entry_key, user_id, kind, amount_cents, batch_id, created_at)
		 VALUES (?, 'u', 'batch_refund', 300, ?, 0)`, "refund-batch:"+b.ID, b.ID)
	require.NoError(t, err)

	total, err := SyncBatchRefunds(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)

	got, err := GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, got.PaymentStatus)
}

func TestSettleBatch(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []model.ClipStatus
		wantStatus model.BatchStatus
		settled    bool
	}{
		{"all ready", []model.ClipStatus{model.ClipReady, model.ClipReady}, model.BatchDone, true},
		{"all failed", []model.ClipStatus{model.ClipFailed, model.ClipFailed}, model.BatchFailed, true},
		{"mixed terminal", []model.ClipStatus{model.ClipReady, model.ClipFailed}, model.BatchRunning, true},
		{"still pending", []model.ClipStatus{model.ClipReady, model.ClipVO}, model.BatchRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db := newTestDB(t)
			b, clips := seedBatch(t, db, "u", len(tt.statuses))
			for i, st := range tt.statuses {
				_, err := db.ExecContext(ctx, `UPDATE clips SET status = ? WHERE id = ?`, string(st), clips[i].ID)
				require.NoError(t, err)
			}

			s, err := SettleBatch(ctx, db, b.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, s.Status)
			assert.Equal(t, tt.settled, s.Settled)

			got, err := GetBatch(ctx, db, b.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.settled {
				assert.NotNil(t, got.SettledAt)
			} else {
				assert.Nil(t, got.SettledAt)
			}

			// Second call changes nothing.
			s2, err := SettleBatch(ctx, db, b.ID)
			require.NoError(t, err)
			assert.False(t, s2.Changed)
		})
	}
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, clips := seedBatch(t, db, "u", 3)

	_, err := db.ExecContext(ctx, `UPDATE clips SET status = 'ready' WHERE id = ?`, clips[0].ID)
	require.NoError(t, err)
	_, _, err = InsertJob(ctx, db, NewJob{BatchID: b.ID, ClipID: clips[1].ID, Type: model.JobTTS})
	require.NoError(t, err)

	n, err := CancelBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := GetBatch(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCancelled, got.Status)
	assert.NotNil(t, got.SettledAt)

	list, err := ListClips(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClipReady, list[0].Status)
	assert.Equal(t, model.UICanceled, list[1].UIState)
	assert.Equal(t, model.FailCancelled, list[2].ErrorClass)

	jobs, err := ListJobs(ctx, db, JobFilter{BatchID: b.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)

	// Cancelling twice is rejected.
	_, err = CancelBatch(ctx, db, b.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, clips := seedBatch(t, db, "u", 2)
	_, _, err := InsertJob(ctx, db, NewJob{BatchID: b.ID, ClipID: clips[0].ID, Type: model.JobTTS})
	require.NoError(t, err)

	require.NoError(t, DeleteBatch(ctx, db, b.ID))

	_, err = GetBatch(ctx, db, b.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	list, err := ListClips(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	counts, err := CountJobsByStatus(ctx, db, b.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestInsertBatch_RequiresID(t *testing.T) {
	db := newTestDB(t)
	assert.Error(t, InsertBatch(context.Background(), db, &model.Batch{}))
	assert.Error(t, InsertBatch(context.Background(), db, nil))
}
