package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/events"
	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/pricing"
	"github.com/3leaps/clipforge/pkg/store"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db))
	return db
}

func newManager(t *testing.T, cfg Config) (*Manager, *sql.DB, *ledger.Ledger) {
	t.Helper()
	db := openDB(t)
	led := ledger.New(db)
	m, err := New(db, led, cfg)
	require.NoError(t, err)
	return m, db, led
}

func charge(v int64) *int64 { return &v }

func quote(t *testing.T, tier model.QualityTier, kind model.OutputKind, n int) pricing.Quote {
	t.Helper()
	q, err := pricing.New(0).Quote(tier, kind, n, model.TestModeOff)
	require.NoError(t, err)
	return q
}

func TestCreateBatch_Validation(t *testing.T) {
	m, db, _ := newManager(t, Config{})
	q := quote(t, model.TierBalanced, model.OutputVideo, 4)

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"empty intent", CreateRequest{Intent: "   ", VariantCount: 4}, "intent"},
		{"long intent", CreateRequest{Intent: strings.Repeat("x", MaxIntentLength+1), VariantCount: 4}, "intent"},
		{"test mode", CreateRequest{Intent: "x", TestMode: "dry", VariantCount: 4}, "test_mode"},
		{"output kind", CreateRequest{Intent: "x", OutputKind: "gif", VariantCount: 4}, "output_kind"},
		{"tier", CreateRequest{Intent: "x", QualityTier: "ultra", VariantCount: 4}, "quality_tier"},
		{"variant count", CreateRequest{Intent: "x", VariantCount: 3}, "variant_count"},
		{"negative charge", CreateRequest{Intent: "x", VariantCount: 4, ChargeCents: charge(-1)}, "charge_cents"},
		{"tampered charge", CreateRequest{Intent: "x", VariantCount: 4, ChargeCents: charge(q.UserChargeCents - 1)}, "charge_cents"},
		{"unknown method", CreateRequest{Intent: "x", Method: "slideshow", VariantCount: 4}, "method"},
		{"prompts on video", CreateRequest{Intent: "x", VariantCount: 1, ImagePrompts: []ImagePrompt{{Prompt: "p"}}}, "image_prompts"},
		{"prompt count", CreateRequest{Intent: "x", OutputKind: "image", VariantCount: 2, ImagePrompts: []ImagePrompt{{Prompt: "p"}}}, "image_prompts"},
		{"empty prompt", CreateRequest{Intent: "x", OutputKind: "image", VariantCount: 1, ImagePrompts: []ImagePrompt{{Prompt: " "}}}, "image_prompts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateBatch(context.Background(), tt.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	batches, err := store.ListBatches(context.Background(), db, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches, "validation failures write nothing")
}

func TestCreateBatch_FourVideoVariantsWithResearch(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(0)
	m, db, led := newManager(t, Config{ResearchEnabled: true, Events: bus})
	_, err := led.Grant(ctx, "u1", 100_000, "welcome")
	require.NoError(t, err)

	q := quote(t, model.TierBalanced, model.OutputVideo, 4)
	res, err := m.CreateBatch(ctx, CreateRequest{
		UserID:       "u1",
		Intent:       "  5 reasons to drink more water  ",
		Method:       "auto",
		VariantCount: 4,
		OutputKind:   "video",
		QualityTier:  "balanced",
		ChargeCents:  charge(q.UserChargeCents),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchResearching, res.Status)
	assert.Equal(t, model.JobResearch, res.SeedJob)
	assert.Equal(t, q.UserChargeCents, res.Billing.UserChargeCents)
	assert.Equal(t, pricing.New(0).BaseFromCharge(q.UserChargeCents), res.Billing.BaseCostCents)
	assert.Equal(t, model.PaymentCharged, res.Billing.PaymentStatus)

	b, err := m.GetBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "5 reasons to drink more water", b.Intent)
	assert.Equal(t, "auto", b.RequestedMethod)
	assert.NotEqual(t, "auto", b.Method)
	assert.Equal(t, model.PaymentCharged, b.PaymentStatus)

	bal, err := led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100_000-q.UserChargeCents, bal)

	clips, err := m.ListClips(ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, clips, 4)
	for i, c := range clips {
		assert.Equal(t, model.VariantLabel(i), c.VariantLabel)
		assert.Equal(t, model.ClipPlanned, c.Status)
		assert.Equal(t, model.UIQueued, c.UIState)
	}

	jobs, err := store.ListJobs(ctx, db, store.JobFilter{BatchID: res.BatchID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobResearch, jobs[0].Type)
	assert.Empty(t, jobs[0].ClipID)
	assert.Equal(t, q.Models, jobs[0].Payload.Models)

	evs := bus.ForBatch(res.BatchID, 0)
	require.Len(t, evs, 1)
	assert.Equal(t, model.BatchResearching, evs[0].BatchStatus)
}

func TestCreateBatch_SeedsFirstContentStage(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newManager(t, Config{})

	video, err := m.CreateBatch(ctx, CreateRequest{Intent: "coffee tips", VariantCount: 2})
	require.NoError(t, err)
	assert.Equal(t, model.BatchRunning, video.Status)
	assert.Equal(t, model.JobCompile, video.SeedJob)
	assert.Equal(t, model.PaymentFree, video.Billing.PaymentStatus, "no user attached")

	image, err := m.CreateBatch(ctx, CreateRequest{Intent: "coffee mug", OutputKind: "image", VariantCount: 2})
	require.NoError(t, err)
	assert.Equal(t, model.JobImageCompile, image.SeedJob)

	jobs, err := store.ListJobs(ctx, db, store.JobFilter{BatchID: image.BatchID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobImageCompile, jobs[0].Type)
}

func TestCreateBatch_SuppliedImagePrompts(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newManager(t, Config{})

	res, err := m.CreateBatch(ctx, CreateRequest{
		Intent:       "summer sale banner",
		OutputKind:   "image",
		VariantCount: 2,
		ImagePrompts: []ImagePrompt{
			{Prompt: "beach towel flat lay", AspectRatio: "4:5"},
			{Prompt: "sunglasses on sand", ImageType: "product_shot"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobImage, res.SeedJob)

	clips, err := m.ListClips(ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	assert.Equal(t, "beach towel flat lay", clips[0].ImagePrompt)
	assert.Equal(t, "4:5", clips[0].AspectRatio)
	assert.Equal(t, "product_shot", clips[1].ImageType)

	jobs, err := store.ListJobs(ctx, db, store.JobFilter{BatchID: res.BatchID})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	seen := map[string]bool{}
	for _, j := range jobs {
		assert.Equal(t, model.JobImage, j.Type)
		require.NotNil(t, j.Payload.Slot)
		seen[j.ClipID] = true
	}
	assert.True(t, seen[clips[0].ID])
	assert.True(t, seen[clips[1].ID])
}

func TestCreateBatch_InsufficientCredits(t *testing.T) {
	ctx := context.Background()
	m, db, led := newManager(t, Config{})
	_, err := led.Grant(ctx, "u1", 1, "tiny")
	require.NoError(t, err)

	_, err = m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "x", VariantCount: 8, QualityTier: "premium"})
	var pe *PaymentError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientCredits))

	batches, err := store.ListBatches(ctx, db, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches, "the batch is removed")

	bal, err := led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)
}

func TestCreateBatch_TrustClientCharge(t *testing.T) {
	ctx := context.Background()
	m, _, led := newManager(t, Config{TrustClientCharge: true})
	_, err := led.Grant(ctx, "u1", 1000, "g")
	require.NoError(t, err)

	res, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "x", VariantCount: 1, ChargeCents: charge(301)})
	require.NoError(t, err)
	assert.Equal(t, int64(301), res.Billing.UserChargeCents)
	assert.Equal(t, int64(100), res.Billing.BaseCostCents)
}

func TestCreateBatch_MockModeIsFree(t *testing.T) {
	ctx := context.Background()
	m, _, led := newManager(t, Config{})

	res, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "x", TestMode: "mock", VariantCount: 1})
	require.NoError(t, err)
	assert.Zero(t, res.Billing.UserChargeCents)
	assert.Equal(t, model.PaymentFree, res.Billing.PaymentStatus)

	entries, err := led.Entries(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateBatch_StorageError(t *testing.T) {
	m, db, _ := newManager(t, Config{})
	require.NoError(t, db.Close())

	_, err := m.CreateBatch(context.Background(), CreateRequest{Intent: "x", VariantCount: 1})
	var se *StorageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "insert batch", se.Op)
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	m, db, led := newManager(t, Config{})
	_, err := led.Grant(ctx, "u1", 100_000, "g")
	require.NoError(t, err)

	res, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "x", VariantCount: 2})
	require.NoError(t, err)
	before, err := led.Balance(ctx, "u1")
	require.NoError(t, err)

	b, err := m.CancelBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCancelled, b.Status)

	view, err := m.GetBatchView(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.UI[model.UICanceled])
	assert.Equal(t, 1, view.Jobs[model.JobFailed])

	after, err := led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = m.CancelBatch(ctx, res.BatchID)
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	jobs, err := store.ListJobs(ctx, db, store.JobFilter{BatchID: res.BatchID, Status: model.JobQueued})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReadOperations(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, Config{})

	first, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "first", TestMode: "mock", VariantCount: 1})
	require.NoError(t, err)
	second, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "second", TestMode: "mock", VariantCount: 2})
	require.NoError(t, err)
	_, err = m.CreateBatch(ctx, CreateRequest{UserID: "u2", Intent: "other", TestMode: "mock", VariantCount: 1})
	require.NoError(t, err)

	latest, err := m.LatestBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.BatchID, latest.ID)

	list, err := m.ListBatches(ctx, store.BatchFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.BatchID, list[0].ID)
	assert.Equal(t, first.BatchID, list[1].ID)

	view, err := m.GetBatchView(ctx, second.BatchID)
	require.NoError(t, err)
	assert.Len(t, view.Clips, 2)
	assert.Equal(t, 1, view.Jobs[model.JobQueued])
	assert.Equal(t, 2, view.UI[model.UIQueued])

	_, err = m.GetBatch(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = m.ListClips(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetBatchView_MixedBatchSettled(t *testing.T) {
	ctx := context.Background()
	m, db, _ := newManager(t, Config{})

	res, err := m.CreateBatch(ctx, CreateRequest{UserID: "u1", Intent: "mixed", TestMode: "mock", VariantCount: 2})
	require.NoError(t, err)

	view, err := m.GetBatchView(ctx, res.BatchID)
	require.NoError(t, err)
	assert.False(t, view.Settled)
	require.Len(t, view.Clips, 2)

	statuses := []model.ClipStatus{model.ClipReady, model.ClipFailed}
	for i, c := range view.Clips {
		_, err := db.ExecContext(ctx, `UPDATE clips SET status = ? WHERE id = ?`, string(statuses[i]), c.ID)
		require.NoError(t, err)
	}
	_, err = store.SettleBatch(ctx, db, res.BatchID)
	require.NoError(t, err)

	view, err = m.GetBatchView(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchRunning, view.Batch.Status)
	assert.True(t, view.Settled)
	assert.True(t, view.Batch.Settled())
}

func TestSetReview(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t, Config{})
	res, err := m.CreateBatch(ctx, CreateRequest{Intent: "x", TestMode: "mock", VariantCount: 1})
	require.NoError(t, err)
	clips, err := m.ListClips(ctx, res.BatchID)
	require.NoError(t, err)

	c, err := m.SetReview(ctx, clips[0].ID, true, false)
	require.NoError(t, err)
	assert.True(t, c.Winner)
	assert.False(t, c.Killed)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	m, _, _ := newManager(t, Config{Pricer: pricing.New(3)})

	q, err := m.Quote("", "", "", 4)
	require.NoError(t, err)
	assert.Equal(t, model.TierBalanced, q.Tier)
	assert.Equal(t, model.OutputVideo, q.Kind)
	assert.Equal(t, quote(t, model.TierBalanced, model.OutputVideo, 4).UserChargeCents, q.UserChargeCents)

	q, err = m.Quote("premium", "image", "mock", 2)
	require.NoError(t, err)
	assert.Zero(t, q.UserChargeCents)

	for _, bad := range []struct{ tier, kind, mode, field string }{
		{"gold", "video", "", "quality_tier"},
		{"economy", "gif", "", "output_kind"},
		{"economy", "video", "dry", "test_mode"},
	} {
		_, err := m.Quote(bad.tier, bad.kind, bad.mode, 1)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, bad.field, verr.Field)
	}

	_, err = m.Quote("economy", "video", "", 3)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "variant_count", verr.Field)
}
