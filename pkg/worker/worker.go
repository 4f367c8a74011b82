// Package worker runs the claim-execute-commit loop. Each Tick processes at
// most one job; concurrent ticks are made safe by the atomic claim in the
// store, not by in-process locking.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/events"
	"github.com/3leaps/clipforge/pkg/ledger"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/pricing"
	"github.com/3leaps/clipforge/pkg/stage"
	"github.com/3leaps/clipforge/pkg/store"
)

// DefaultRetryCeiling is the number of attempts a job gets.
const DefaultRetryCeiling = 3

// Outcome summarizes what a tick did with its job.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeClaimLost means the sweep or another worker took the job over
	// before this tick committed; nothing was written.
	OutcomeClaimLost Outcome = "claim_lost"
)

// TickResult is returned by Tick.
type TickResult struct {
	Processed bool          `json:"processed"`
	JobID     string        `json:"job_id,omitempty"`
	JobType   model.JobType `json:"job_type,omitempty"`
	Outcome   Outcome       `json:"outcome,omitempty"`
}

// Config configures a Worker.
type Config struct {
	// RetryCeiling is the attempt count at which a job fails for good
	// (default 3).
	RetryCeiling int

	// Lanes restricts claims to job types matching any of these glob
	// patterns (e.g. "image*"). Empty claims every type.
	Lanes []string

	Events events.Publisher
	Logger *zap.Logger
}

// Dispatcher resolves the handler for a job type. *stage.Registry is the
// production implementation.
type Dispatcher interface {
	Handler(t model.JobType) (stage.Handler, error)
}

// Worker executes claimed jobs.
type Worker struct {
	db     *sql.DB
	stages Dispatcher
	ledger *ledger.Ledger
	events events.Publisher
	logger *zap.Logger

	ceiling int
	types   []model.JobType
}

// New creates a worker. led may be nil when no batch is ever paid for.
func New(db *sql.DB, stages Dispatcher, led *ledger.Ledger, cfg Config) (*Worker, error) {
	if db == nil {
		return nil, errors.New("worker: db is required")
	}
	if stages == nil {
		return nil, errors.New("worker: stage registry is required")
	}
	types, err := ResolveLanes(cfg.Lanes)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		db:      db,
		stages:  stages,
		ledger:  led,
		events:  cfg.Events,
		logger:  cfg.Logger,
		ceiling: cfg.RetryCeiling,
		types:   types,
	}
	if w.ceiling <= 0 {
		w.ceiling = DefaultRetryCeiling
	}
	if w.events == nil {
		w.events = events.Discard{}
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w, nil
}

// ResolveLanes expands job type glob patterns. Nil means every type.
func ResolveLanes(patterns []string) ([]model.JobType, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	seen := map[model.JobType]bool{}
	var out []model.JobType
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid lane pattern %q", p)
		}
		matched := false
		for _, t := range model.AllJobTypes {
			ok, err := doublestar.Match(p, string(t))
			if err != nil {
				return nil, fmt.Errorf("lane pattern %q: %w", p, err)
			}
			if ok {
				matched = true
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("lane pattern %q matches no job type", p)
		}
	}
	return out, nil
}

// Lanes returns the job types this worker claims; nil means all.
func (w *Worker) Lanes() []model.JobType {
	return w.types
}

// Tick claims the oldest queued job and runs it to completion. When nothing
// is claimable it returns Processed=false. A returned error means a storage
// failure; the job is then left running for the sweep to recover.
func (w *Worker) Tick(ctx context.Context) (TickResult, error) {
	job, err := store.ClaimNextJob(ctx, w.db, w.types)
	if err != nil {
		return TickResult{}, err
	}
	if job == nil {
		return TickResult{}, nil
	}

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("batch_id", job.BatchID),
		zap.Int("attempt", job.Attempts+1))
	if job.ClipID != "" {
		log = log.With(zap.String("clip_id", job.ClipID))
	}
	log.Debug("Job claimed")
	w.events.Publish(events.Event{
		Type: events.JobClaimed, BatchID: job.BatchID, ClipID: job.ClipID,
		JobID: job.ID, JobType: job.Type, Attempt: job.Attempts + 1,
	})

	res := TickResult{Processed: true, JobID: job.ID, JobType: job.Type}
	res.Outcome, err = w.process(ctx, job, log)
	if err != nil {
		log.Error("Job processing failed", zap.Error(err))
		return res, err
	}
	log.Info("Job processed", zap.String("outcome", string(res.Outcome)))
	return res, nil
}

func (w *Worker) process(ctx context.Context, job *model.Job, log *zap.Logger) (Outcome, error) {
	batch, err := store.GetBatch(ctx, w.db, job.BatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failTerminal(ctx, job, nil, &stage.Failure{
				Err:   fmt.Errorf("batch %s no longer exists", job.BatchID),
				Class: model.DefaultFailureClass(job.Type),
			}, false, log)
		}
		return "", err
	}
	if batch.Status == model.BatchCancelled {
		return w.discard(ctx, job, batch, log)
	}
	if job.Attempts >= w.ceiling {
		// Every attempt was abandoned without reporting back.
		return w.failTerminal(ctx, job, batch, &stage.Failure{
			Err:   fmt.Errorf("retry ceiling reached after %d abandoned attempts", job.Attempts),
			Class: model.FailRetryExhausted,
		}, false, log)
	}

	in := stage.Input{Job: job, Batch: batch, Progress: w.progressFunc(job)}
	if job.ClipID != "" {
		clip, err := store.GetClip(ctx, w.db, job.ClipID)
		if err != nil {
			return "", err
		}
		if clip.Status.IsTerminal() {
			// The clip was finished elsewhere; there is nothing left to do.
			return w.commit(ctx, job, batch, stage.Outcome{}, log)
		}
		in.Clip = clip
	} else {
		clips, err := store.ListClips(ctx, w.db, job.BatchID)
		if err != nil {
			return "", err
		}
		in.Clips = clips
	}
	w.markStarted(ctx, in)

	h, err := w.stages.Handler(job.Type)
	if err != nil {
		return w.failTerminal(ctx, job, batch, &stage.Failure{Err: err, Class: model.DefaultFailureClass(job.Type)}, true, log)
	}
	out := h.Handle(ctx, in)
	if out.Succeeded() {
		return w.commit(ctx, job, batch, out, log)
	}
	return w.handleFailure(ctx, job, batch, out.Failure, log)
}

// markStarted shows the stage's running state on the clips it works on.
func (w *Worker) markStarted(ctx context.Context, in stage.Input) {
	status, ui, ok := stage.Progress(in.Job.Type)
	if !ok {
		return
	}
	var ids []string
	switch {
	case in.Clip != nil:
		ids = []string{in.Clip.ID}
	default:
		for _, c := range in.Clips {
			if !c.Status.IsTerminal() {
				ids = append(ids, c.ID)
			}
		}
	}
	for _, id := range ids {
		w.progress(ctx, in.Job, store.ClipPatch{ClipID: id, Status: status, UIState: ui})
	}
}

func (w *Worker) progressFunc(job *model.Job) func(context.Context, store.ClipPatch) {
	return func(ctx context.Context, p store.ClipPatch) {
		w.progress(ctx, job, p)
	}
}

func (w *Worker) progress(ctx context.Context, job *model.Job, p store.ClipPatch) {
	ok, err := store.ApplyClipPatch(ctx, w.db, p)
	if err != nil {
		// Progress is advisory; the commit carries the authoritative state.
		w.logger.Warn("Clip progress update failed", zap.String("clip_id", p.ClipID), zap.Error(err))
		return
	}
	if ok {
		w.events.Publish(events.Event{
			Type: events.ClipState, BatchID: job.BatchID, ClipID: p.ClipID, JobID: job.ID,
			JobType: job.Type, ClipStatus: p.Status, UIState: p.UIState,
		})
	}
}

func (w *Worker) commit(ctx context.Context, job *model.Job, batch *model.Batch, out stage.Outcome, log *zap.Logger) (Outcome, error) {
	enqueued, err := store.CompleteJob(ctx, w.db, job, out.Completion())
	switch {
	case errors.Is(err, store.ErrBatchCancelled):
		return w.discard(ctx, job, batch, log)
	case errors.Is(err, store.ErrClaimLost):
		log.Warn("Claim lost before commit; result discarded")
		return OutcomeClaimLost, nil
	case err != nil:
		return "", err
	}

	w.events.Publish(events.Event{
		Type: events.JobDone, BatchID: job.BatchID, ClipID: job.ClipID, JobID: job.ID,
		JobType: job.Type, Attempt: job.Attempts + 1,
		Message: fmt.Sprintf("%d job(s) enqueued", enqueued),
	})
	for _, p := range out.Clips {
		w.events.Publish(events.Event{
			Type: events.ClipState, BatchID: job.BatchID, ClipID: p.ClipID, JobID: job.ID,
			JobType: job.Type, ClipStatus: p.Status, UIState: p.UIState,
		})
	}
	if out.Batch != nil && out.Batch.Status != "" {
		w.events.Publish(events.Event{Type: events.BatchState, BatchID: job.BatchID, BatchStatus: out.Batch.Status})
	}
	if out.ClipDone {
		if err := w.settle(ctx, batch.ID, log); err != nil {
			return OutcomeDone, err
		}
	}
	return OutcomeDone, nil
}

func (w *Worker) handleFailure(ctx context.Context, job *model.Job, batch *model.Batch, f *stage.Failure, log *zap.Logger) (Outcome, error) {
	attempts := job.Attempts + 1
	if f.Permanent || attempts >= w.ceiling {
		return w.failTerminal(ctx, job, batch, f, true, log)
	}

	msg := errText(f.Err)
	if err := store.RequeueJob(ctx, w.db, job, msg); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("Claim lost before requeue")
			return OutcomeClaimLost, nil
		}
		return "", err
	}
	if f.UIState != "" && job.ClipID != "" {
		w.progress(ctx, job, store.ClipPatch{ClipID: job.ClipID, UIState: f.UIState})
	}
	log.Warn("Job failed; retry scheduled",
		zap.Int("attempts", attempts),
		zap.Int("ceiling", w.ceiling),
		zap.Error(f.Err))
	w.events.Publish(events.Event{
		Type: events.JobRetry, BatchID: job.BatchID, ClipID: job.ClipID, JobID: job.ID,
		JobType: job.Type, Attempt: attempts, Message: msg,
	})
	return OutcomeRetry, nil
}

// failTerminal fails the job and the clips it owns, refunds clips the
// provider did not bill for, and re-evaluates the batch.
func (w *Worker) failTerminal(ctx context.Context, job *model.Job, batch *model.Batch, f *stage.Failure, countAttempt bool, log *zap.Logger) (Outcome, error) {
	msg := errText(f.Err)
	cf := store.ClipFailure{
		UIState:      model.UIFailedNotCharged,
		Class:        f.Class,
		ChargedState: model.NotCharged,
		Error:        msg,
	}
	if f.ProviderMayHaveCharged {
		cf.UIState = model.UIFailedCharged
		cf.ChargedState = model.Charged
	}
	jf := store.JobFailure{Error: msg, CountAttempt: countAttempt, Clip: cf}
	if job.ClipID != "" {
		jf.ClipIDs = []string{job.ClipID}
	} else {
		jf.AllBatchClips = true
	}

	failed, err := store.FailJob(ctx, w.db, job, jf)
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("Claim lost before failing job")
			return OutcomeClaimLost, nil
		}
		return "", err
	}
	log.Warn("Job failed permanently",
		zap.String("class", string(f.Class)),
		zap.Bool("charged", f.ProviderMayHaveCharged),
		zap.Int("clips_failed", len(failed)),
		zap.Error(f.Err))
	w.events.Publish(events.Event{
		Type: events.JobFailed, BatchID: job.BatchID, ClipID: job.ClipID, JobID: job.ID,
		JobType: job.Type, Attempt: job.Attempts + 1, Message: msg,
	})
	for _, id := range failed {
		w.events.Publish(events.Event{
			Type: events.ClipState, BatchID: job.BatchID, ClipID: id, JobID: job.ID,
			ClipStatus: model.ClipFailed, UIState: cf.UIState, Message: string(f.Class),
		})
	}

	if batch == nil {
		return OutcomeFailed, nil
	}
	if !f.ProviderMayHaveCharged && len(failed) > 0 {
		if err := w.refund(ctx, batch, failed, log); err != nil {
			return OutcomeFailed, err
		}
	}
	if err := w.settle(ctx, batch.ID, log); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeFailed, nil
}

// discard drops a job whose batch was cancelled. Its clips show canceled and
// no credit is moved.
func (w *Worker) discard(ctx context.Context, job *model.Job, batch *model.Batch, log *zap.Logger) (Outcome, error) {
	jf := store.JobFailure{
		Error: "batch cancelled",
		Clip: store.ClipFailure{
			UIState: model.UICanceled,
			Class:   model.FailCancelled,
			Error:   "batch cancelled",
		},
	}
	if job.ClipID != "" {
		jf.ClipIDs = []string{job.ClipID}
	} else {
		jf.AllBatchClips = true
	}
	if _, err := store.FailJob(ctx, w.db, job, jf); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return OutcomeClaimLost, nil
		}
		return "", err
	}
	log.Info("Batch cancelled; job result discarded")
	w.events.Publish(events.Event{
		Type: events.JobFailed, BatchID: batch.ID, ClipID: job.ClipID, JobID: job.ID,
		JobType: job.Type, Message: "batch cancelled",
	})
	return OutcomeCancelled, nil
}

// refund credits back the per-item share of each failed clip. Refund keys
// make a repeated call harmless.
func (w *Worker) refund(ctx context.Context, batch *model.Batch, clipIDs []string, log *zap.Logger) error {
	if batch.UserID == "" || batch.UserChargeCents <= 0 || batch.PaymentStatus != model.PaymentCharged {
		return nil
	}
	if w.ledger == nil {
		return errors.New("refund due but no ledger configured")
	}
	share := pricing.PerItemShare(batch.UserChargeCents, batch.VariantCount)
	for _, id := range clipIDs {
		applied, err := w.ledger.Refund(ctx, batch.UserID, batch.ID, id, share)
		if err != nil {
			return fmt.Errorf("refund clip %s: %w", id, err)
		}
		if applied {
			log.Info("Clip refunded", zap.String("refund_clip_id", id), zap.Int64("amount_cents", share))
		}
	}
	_, err := store.SyncBatchRefunds(ctx, w.db, batch.ID)
	return err
}

func (w *Worker) settle(ctx context.Context, batchID string, log *zap.Logger) error {
	s, err := store.SettleBatch(ctx, w.db, batchID)
	if err != nil {
		return err
	}
	if s.Changed {
		log.Info("Batch settled",
			zap.String("status", string(s.Status)),
			zap.Int("ready", s.Ready),
			zap.Int("failed", s.Failed))
		w.events.Publish(events.Event{
			Type: events.BatchState, BatchID: batchID, BatchStatus: s.Status,
			Message: fmt.Sprintf("%d ready, %d failed", s.Ready, s.Failed),
		})
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
