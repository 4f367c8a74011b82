// Package lifecycle creates batches and exposes their read and control
// operations.
//
// CreateBatch is the only place a batch, its clips and its seed job are
// written together. The ledger lives in the same database but is driven
// through its own idempotent operations, so a failed creation is undone by
// explicit compensation rather than one enclosing transaction.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/events"
	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/preset"
	"github.com/3leaps/clipforge/pkg/pricing"
	"github.com/3leaps/clipforge/pkg/store"
)

// MaxIntentLength is the longest accepted intent, in characters.
const MaxIntentLength = 2000

// Config configures a Manager.
type Config struct {
	// Pricer prices requests and derives base costs (default multiplier 3).
	Pricer *pricing.Pricer

	// ResearchEnabled seeds a research job ahead of the content stages.
	ResearchEnabled bool

	// TrustClientCharge accepts the caller's charge without comparing it to
	// the quote.
	TrustClientCharge bool

	Events events.Publisher
	Logger *zap.Logger
}

// Manager owns batch creation and the user-facing batch operations.
type Manager struct {
	db     *sql.DB
	ledger *ledger.Ledger
	pricer *pricing.Pricer

	research bool
	trust    bool

	events events.Publisher
	logger *zap.Logger
}

// New creates a Manager.
func New(db *sql.DB, led *ledger.Ledger, cfg Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("lifecycle: db is required")
	}
	if led == nil {
		return nil, errors.New("lifecycle: ledger is required")
	}
	m := &Manager{
		db:       db,
		ledger:   led,
		pricer:   cfg.Pricer,
		research: cfg.ResearchEnabled,
		trust:    cfg.TrustClientCharge,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	if m.pricer == nil {
		m.pricer = pricing.New(0)
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m, nil
}

// ImagePrompt is a client-supplied prompt for one image variant.
type ImagePrompt struct {
	Prompt      string `json:"prompt" yaml:"prompt"`
	ImageType   string `json:"image_type,omitempty" yaml:"image_type,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
}

// CreateRequest is the input of CreateBatch. Enumerations are plain strings
// so that unknown values reach validation instead of failing decoding.
type CreateRequest struct {
	UserID       string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Intent       string `json:"intent" yaml:"intent"`
	Method       string `json:"method,omitempty" yaml:"method,omitempty"`
	TestMode     string `json:"test_mode,omitempty" yaml:"test_mode,omitempty"`
	VariantCount int    `json:"variant_count" yaml:"variant_count"`
	OutputKind   string `json:"output_kind,omitempty" yaml:"output_kind,omitempty"`
	QualityTier  string `json:"quality_tier,omitempty" yaml:"quality_tier,omitempty"`

	// ChargeCents is the charge computed by the client. Nil takes the quote.
	ChargeCents *int64 `json:"charge_cents,omitempty" yaml:"charge_cents,omitempty"`

	// ImagePrompts skips prompt writing for image batches. When set it must
	// hold exactly VariantCount entries.
	ImagePrompts []ImagePrompt `json:"image_prompts,omitempty" yaml:"image_prompts,omitempty"`
}

// Billing is the price breakdown returned to the caller.
type Billing struct {
	QualityTier     model.QualityTier   `json:"quality_tier"`
	EffectiveTier   model.QualityTier   `json:"effective_tier"`
	Models          model.StageModels   `json:"models"`
	PerItem         pricing.Breakdown   `json:"per_item"`
	PerItemCents    float64             `json:"per_item_cents"`
	BaseCostCents   int64               `json:"base_cost_cents"`
	UserChargeCents int64               `json:"user_charge_cents"`
	Multiplier      float64             `json:"upsell_multiplier"`
	PaymentStatus   model.PaymentStatus `json:"payment_status"`
}

// CreateResult is returned by CreateBatch.
type CreateResult struct {
	BatchID string            `json:"batch_id"`
	Method  string            `json:"method"`
	Status  model.BatchStatus `json:"status"`
	SeedJob model.JobType     `json:"seed_job"`
	Billing Billing           `json:"billing"`
}

// validated is a CreateRequest after parsing.
type validated struct {
	userID  string
	intent  string
	mode    model.TestMode
	kind    model.OutputKind
	tier    model.QualityTier
	count   int
	charge  int64
	quote   pricing.Quote
	prompts []ImagePrompt
}

func (m *Manager) validate(req CreateRequest) (*validated, error) {
	v := &validated{
		userID: strings.TrimSpace(req.UserID),
		intent: strings.TrimSpace(req.Intent),
		count:  req.VariantCount,
	}
	if v.intent == "" {
		return nil, &ValidationError{Field: "intent", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(v.intent); n > MaxIntentLength {
		return nil, &ValidationError{Field: "intent", Message: fmt.Sprintf("%d characters exceeds the %d limit", n, MaxIntentLength)}
	}

	var err error
	if v.mode, err = model.ParseTestMode(req.TestMode); err != nil {
		return nil, &ValidationError{Field: "test_mode", Message: err.Error()}
	}
	kind := req.OutputKind
	if strings.TrimSpace(kind) == "" {
		kind = string(model.OutputVideo)
	}
	if v.kind, err = model.ParseOutputKind(kind); err != nil {
		return nil, &ValidationError{Field: "output_kind", Message: err.Error()}
	}
	tier := req.QualityTier
	if strings.TrimSpace(tier) == "" {
		tier = string(model.TierBalanced)
	}
	if v.tier, err = model.ParseQualityTier(tier); err != nil {
		return nil, &ValidationError{Field: "quality_tier", Message: err.Error()}
	}
	if !model.IsValidVariantCount(v.count) {
		return nil, &ValidationError{Field: "variant_count", Message: fmt.Sprintf("%d is not one of %v", v.count, model.ValidVariantCounts)}
	}

	if v.quote, err = m.pricer.Quote(v.tier, v.kind, v.count, v.mode); err != nil {
		return nil, &ValidationError{Field: "quality_tier", Message: err.Error()}
	}
	v.charge = v.quote.UserChargeCents
	if req.ChargeCents != nil {
		if *req.ChargeCents < 0 {
			return nil, &ValidationError{Field: "charge_cents", Message: "must not be negative"}
		}
		if !m.trust && *req.ChargeCents != v.quote.UserChargeCents {
			return nil, &ValidationError{
				Field:   "charge_cents",
				Message: fmt.Sprintf("%d does not match the quoted charge of %d", *req.ChargeCents, v.quote.UserChargeCents),
			}
		}
		v.charge = *req.ChargeCents
	}

	if len(req.ImagePrompts) > 0 {
		if v.kind != model.OutputImage {
			return nil, &ValidationError{Field: "image_prompts", Message: "only allowed for image output"}
		}
		if len(req.ImagePrompts) != v.count {
			return nil, &ValidationError{
				Field:   "image_prompts",
				Message: fmt.Sprintf("got %d prompts for %d variants", len(req.ImagePrompts), v.count),
			}
		}
		for i, p := range req.ImagePrompts {
			if strings.TrimSpace(p.Prompt) == "" {
				return nil, &ValidationError{Field: "image_prompts", Message: fmt.Sprintf("prompt %d is empty", i+1)}
			}
		}
		v.prompts = req.ImagePrompts
	}
	return v, nil
}

// CreateBatch validates and prices a request, reserves the charge, and
// persists the batch with its clips and seed job.
//
// Errors are *ValidationError (nothing written), *PaymentError (batch
// removed) or *StorageError.
func (m *Manager) CreateBatch(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	v, err := m.validate(req)
	if err != nil {
		return nil, err
	}

	method, err := preset.Resolve(v.intent, req.Method, v.kind)
	if err != nil {
		return nil, &ValidationError{Field: "method", Message: err.Error()}
	}
	requested := strings.ToLower(strings.TrimSpace(req.Method))
	if requested == "" {
		requested = preset.Auto
	}

	payment := model.PaymentFree
	if v.userID != "" {
		payment = model.PaymentPending
	}
	b := &model.Batch{
		ID:              uuid.NewString(),
		UserID:          v.userID,
		Intent:          v.intent,
		Method:          method,
		RequestedMethod: requested,
		TestMode:        v.mode,
		VariantCount:    v.count,
		OutputKind:      v.kind,
		Status:          model.BatchQueued,
		QualityTier:     v.tier,
		BaseCostCents:   m.pricer.BaseFromCharge(v.charge),
		UserChargeCents: v.charge,
		PaymentStatus:   payment,
	}
	log := m.logger.With(zap.String("batch_id", b.ID), zap.String("method", method))

	if err := store.InsertBatch(ctx, m.db, b); err != nil {
		return nil, &StorageError{Op: "insert batch", Compensated: true, Err: err}
	}

	debited := false
	if v.userID != "" {
		if v.charge > 0 {
			if _, err := m.ledger.Debit(ctx, v.userID, b.ID, v.charge); err != nil {
				if derr := store.DeleteBatch(context.WithoutCancel(ctx), m.db, b.ID); derr != nil {
					log.Error("Compensating delete failed", zap.Error(derr))
				}
				log.Info("Batch rejected by ledger", zap.Int64("charge_cents", v.charge), zap.Error(err))
				return nil, &PaymentError{UserID: v.userID, AmountCents: v.charge, Err: err}
			}
			debited = true
			b.PaymentStatus = model.PaymentCharged
		} else {
			b.PaymentStatus = model.PaymentFree
		}
		if err := store.SetBatchPayment(ctx, m.db, b.ID, b.PaymentStatus); err != nil {
			return nil, m.compensate(ctx, b, debited, "record payment", err)
		}
	}

	b.Status = model.BatchRunning
	if m.research {
		b.Status = model.BatchResearching
	}
	if err := store.UpdateBatchStatus(ctx, m.db, b.ID, b.Status, ""); err != nil {
		return nil, m.compensate(ctx, b, debited, "start batch", err)
	}

	clips := make([]model.Clip, v.count)
	for i := range clips {
		clips[i] = model.Clip{
			ID:           uuid.NewString(),
			BatchID:      b.ID,
			Slot:         i,
			VariantLabel: model.VariantLabel(i),
			Status:       model.ClipPlanned,
			UIState:      model.UIQueued,
		}
		if v.prompts != nil {
			p := v.prompts[i]
			clips[i].ImagePrompt = strings.TrimSpace(p.Prompt)
			clips[i].ImageType = strings.TrimSpace(p.ImageType)
			clips[i].AspectRatio = strings.TrimSpace(p.AspectRatio)
		}
	}
	if err := store.InsertClips(ctx, m.db, clips); err != nil {
		return nil, m.compensate(ctx, b, debited, "insert clips", err)
	}

	seeds := m.seedJobs(b, v.quote.Models, clips, v.prompts != nil)
	if _, err := store.InsertJobs(ctx, m.db, seeds); err != nil {
		return nil, m.compensate(ctx, b, debited, "seed job", err)
	}

	log.Info("Batch created",
		zap.String("output_kind", string(b.OutputKind)),
		zap.Int("variants", b.VariantCount),
		zap.String("status", string(b.Status)),
		zap.String("seed_job", string(seeds[0].Type)),
		zap.Int64("charge_cents", b.UserChargeCents))
	m.events.Publish(events.Event{
		Type: events.BatchState, BatchID: b.ID, BatchStatus: b.Status,
		Message: fmt.Sprintf("%d variant(s) planned", b.VariantCount),
	})

	return &CreateResult{
		BatchID: b.ID,
		Method:  method,
		Status:  b.Status,
		SeedJob: seeds[0].Type,
		Billing: Billing{
			QualityTier:     v.tier,
			EffectiveTier:   v.quote.EffectiveTier,
			Models:          v.quote.Models,
			PerItem:         v.quote.PerItem,
			PerItemCents:    v.quote.PerItemCents,
			BaseCostCents:   b.BaseCostCents,
			UserChargeCents: b.UserChargeCents,
			Multiplier:      m.pricer.Multiplier(),
			PaymentStatus:   b.PaymentStatus,
		},
	}, nil
}

// seedJobs returns the first job(s) of a new batch.
func (m *Manager) seedJobs(b *model.Batch, models model.StageModels, clips []model.Clip, prompted bool) []store.NewJob {
	payload := model.JobPayload{
		Method:     b.Method,
		OutputKind: b.OutputKind,
		TestMode:   b.TestMode,
		Models:     models,
	}
	batchJob := func(t model.JobType) []store.NewJob {
		return []store.NewJob{{BatchID: b.ID, Type: t, Payload: payload, ChainKey: store.SeedKey(b.ID, t, "")}}
	}

	switch {
	case m.research:
		return batchJob(model.JobResearch)
	case b.OutputKind == model.OutputImage && prompted:
		out := make([]store.NewJob, 0, len(clips))
		for _, c := range clips {
			p := payload
			slot := c.Slot
			p.Slot = &slot
			out = append(out, store.NewJob{
				BatchID:  b.ID,
				ClipID:   c.ID,
				Type:     model.JobImage,
				Payload:  p,
				ChainKey: store.SeedKey(b.ID, model.JobImage, c.ID),
			})
		}
		return out
	case b.OutputKind == model.OutputImage:
		return batchJob(model.JobImageCompile)
	default:
		return batchJob(model.JobCompile)
	}
}

// compensate undoes a partially created batch: the debit is refunded in full
// and the batch with its clips and jobs is deleted.
func (m *Manager) compensate(ctx context.Context, b *model.Batch, debited bool, op string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("batch_id", b.ID), zap.String("op", op))
	serr := &StorageError{Op: op, BatchID: b.ID, Compensated: true, Err: cause}

	if debited {
		if _, err := m.ledger.RefundBatch(ctx, b.UserID, b.ID, b.UserChargeCents); err != nil {
			log.Error("Compensating refund failed", zap.Error(err))
			serr.Compensated = false
		}
	}
	if err := store.DeleteBatch(ctx, m.db, b.ID); err != nil {
		log.Error("Compensating delete failed", zap.Error(err))
		serr.Compensated = false
	}
	log.Warn("Batch creation rolled back", zap.Bool("compensated", serr.Compensated), zap.Error(cause))
	return serr
}

// GetBatch returns one batch.
func (m *Manager) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return store.GetBatch(ctx, m.db, id)
}

// LatestBatch returns the user's most recent batch. The user is always
// explicit; there is no implicit "current" batch.
func (m *Manager) LatestBatch(ctx context.Context, userID string) (*model.Batch, error) {
	return store.LatestBatch(ctx, m.db, userID)
}

// ListBatches returns batches newest first.
func (m *Manager) ListBatches(ctx context.Context, f store.BatchFilter) ([]model.Batch, error) {
	return store.ListBatches(ctx, m.db, f)
}

// ListClips returns a batch's clips ordered by variant label.
func (m *Manager) ListClips(ctx context.Context, batchID string) ([]model.Clip, error) {
	if _, err := store.GetBatch(ctx, m.db, batchID); err != nil {
		return nil, err
	}
	return store.ListClips(ctx, m.db, batchID)
}

// BatchView is a batch with everything a client needs to render it.
type BatchView struct {
	Batch *model.Batch `json:"batch"`
	// Settled is true once no clip has work left, including mixed batches
	// that stay running with some clips ready and some failed.
	Settled bool                      `json:"settled"`
	Clips   []model.Clip              `json:"clips"`
	Jobs    map[model.JobStatus]int   `json:"jobs"`
	UI      map[model.ClipUIState]int `json:"ui_states"`
}

// GetBatchView returns a batch with its clips and job counts.
func (m *Manager) GetBatchView(ctx context.Context, id string) (*BatchView, error) {
	b, err := store.GetBatch(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	clips, err := store.ListClips(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	jobs, err := store.CountJobsByStatus(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	ui := map[model.ClipUIState]int{}
	for _, c := range clips {
		ui[c.DisplayState()]++
	}
	if clips == nil {
		clips = []model.Clip{}
	}
	return &BatchView{Batch: b, Settled: b.Settled(), Clips: clips, Jobs: jobs, UI: ui}, nil
}

// CancelBatch stops an active batch. Its unfinished clips show canceled and
// queued jobs are dropped; no credit is moved.
func (m *Manager) CancelBatch(ctx context.Context, id string) (*model.Batch, error) {
	n, err := store.CancelBatch(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Batch cancelled", zap.String("batch_id", id), zap.Int64("clips_canceled", n))
	m.events.Publish(events.Event{
		Type: events.BatchState, BatchID: id, BatchStatus: model.BatchCancelled,
		Message: fmt.Sprintf("%d clip(s) canceled", n),
	})
	return store.GetBatch(ctx, m.db, id)
}

// SetReview records the user's verdict on a clip.
func (m *Manager) SetReview(ctx context.Context, clipID string, winner, killed bool) (*model.Clip, error) {
	return store.SetReview(ctx, m.db, clipID, winner, killed)
}

// Quote prices a request without creating anything. Empty kind, tier and
// mode take the creation defaults.
func (m *Manager) Quote(tier, kind, mode string, count int) (pricing.Quote, error) {
	if strings.TrimSpace(tier) == "" {
		tier = string(model.TierBalanced)
	}
	if strings.TrimSpace(kind) == "" {
		kind = string(model.OutputVideo)
	}
	qt, err := model.ParseQualityTier(tier)
	if err != nil {
		return pricing.Quote{}, &ValidationError{Field: "quality_tier", Message: err.Error()}
	}
	ko, err := model.ParseOutputKind(kind)
	if err != nil {
		return pricing.Quote{}, &ValidationError{Field: "output_kind", Message: err.Error()}
	}
	tm, err := model.ParseTestMode(mode)
	if err != nil {
		return pricing.Quote{}, &ValidationError{Field: "test_mode", Message: err.Error()}
	}
	if !model.IsValidVariantCount(count) {
		return pricing.Quote{}, &ValidationError{
			Field:   "variant_count",
			Message: fmt.Sprintf("must be one of %v, got %d", model.ValidVariantCounts, count),
		}
	}
	return m.pricer.Quote(qt, ko, count, tm)
}
