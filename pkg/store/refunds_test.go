package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/model"
)

func TestListRefundCandidates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b, clips := seedBatch(t, db, "u", 3)

	_, err := FailClip(ctx, db, clips[0].ID, ClipFailure{Class: model.FailVoice, ChargedState: model.NotCharged})
	require.NoError(t, err)
	_, err = FailClip(ctx, db, clips[1].ID, ClipFailure{UIState: model.UIFailedCharged, Class: model.FailVideo, ChargedState: model.Charged})
	require.NoError(t, err)

	got, err := ListRefundCandidates(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RefundCandidate{
		BatchID: b.ID, ClipID: clips[0].ID, UserID: "u", ChargeCents: 300, VariantCount: 3,
	}, got[0])

	_, err = db.ExecContext(ctx,
		`INSERT INTO credit_entries (entry_key, user_id, kind, amount_cents, batch_id, clip_id, created_at)
		 VALUES (?, 'u', 'refund', 100, ?, ?, 0)`,
		"refund:"+b.ID+":"+clips[0].ID, b.ID, clips[0].ID)
	require.NoError(t, err)

	got, err = ListRefundCandidates(ctx, db, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
