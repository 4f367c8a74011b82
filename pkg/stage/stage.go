// Package stage implements the pipeline stage handlers the worker loop
// dispatches claimed jobs to.
//
// A handler reads its job payload and the batch/clip snapshot, calls one
// upstream provider, and returns an Outcome: either the patches and next jobs
// to commit, or a Failure. Handlers never write to the store themselves apart
// from progress hints, so re-running one after a lost claim is safe; chain
// keys make the enqueues idempotent and artifact keys are deterministic.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/artifact"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

// ErrProvidersNotConfigured is returned when a batch needs live providers
// and none are wired.
var ErrProvidersNotConfigured = errors.New("live providers not configured")

// StageError is a handler's domain failure.
type StageError struct {
	Stage model.JobType
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Input is the snapshot a handler works from.
type Input struct {
	Job   *model.Job
	Batch *model.Batch
	// Clip is the job's clip for per-clip stages.
	Clip *model.Clip
	// Clips holds every clip of the batch, ordered by label.
	Clips []model.Clip
	// Progress records an intermediate clip state (e.g. rendering_delayed).
	// It may be nil.
	Progress func(ctx context.Context, p store.ClipPatch)
}

func (in Input) progress(ctx context.Context, p store.ClipPatch) {
	if in.Progress != nil {
		in.Progress(ctx, p)
	}
}

// Failure describes an unsuccessful run.
type Failure struct {
	Err error
	// ProviderMayHaveCharged is set when an upstream service may have billed
	// for the attempt; the clip's share is then not refunded.
	ProviderMayHaveCharged bool
	Class                  model.FailureClass
	// Permanent failures skip the remaining retries.
	Permanent bool
	// UIState is shown on the clip while the job waits for its retry.
	UIState model.ClipUIState
}

// Outcome is the result of one handler run. Exactly one of Failure or the
// success fields is meaningful.
type Outcome struct {
	Batch *store.BatchPatch
	Clips []store.ClipPatch
	Next  []store.NewJob
	// ClipDone is set when the run moved a clip to ready.
	ClipDone bool

	Failure *Failure
}

func (o Outcome) Succeeded() bool { return o.Failure == nil }

// Completion converts a successful outcome into a store commit.
func (o Outcome) Completion() store.Completion {
	return store.Completion{Batch: o.Batch, Clips: o.Clips, Next: o.Next}
}

// Handler executes one stage. Handle never returns an error; failures are
// reported in the Outcome.
type Handler interface {
	Handle(ctx context.Context, in Input) Outcome
}

// VideoConfig tunes the render poll loop.
type VideoConfig struct {
	PollInterval time.Duration
	// MaxWait bounds one attempt's polling; the attempt then fails as a
	// timeout and is retried.
	MaxWait time.Duration
	// DelayAfter flags the clip rendering_delayed once polling has run this
	// long. Zero disables the flag.
	DelayAfter time.Duration
}

// DefaultVideoConfig returns the poll loop defaults.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		PollInterval: 5 * time.Second,
		MaxWait:      5 * time.Minute,
		DelayAfter:   90 * time.Second,
	}
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	// Live serves batches in test modes off and cheap.
	Live upstream.Providers
	// Mock serves batches in test mode mock.
	Mock upstream.Providers
	// Artifacts receives media returned as bytes.
	Artifacts artifact.Store
	Video     VideoConfig
	Logger    *zap.Logger
}

// Registry maps job types to handlers.
type Registry struct {
	deps Deps
}

// NewRegistry builds a registry. Zero video settings take the defaults.
func NewRegistry(deps Deps) *Registry {
	def := DefaultVideoConfig()
	if deps.Video.PollInterval <= 0 {
		deps.Video.PollInterval = def.PollInterval
	}
	if deps.Video.MaxWait <= 0 {
		deps.Video.MaxWait = def.MaxWait
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Artifacts == nil {
		deps.Artifacts = artifact.NewMemory("")
	}
	return &Registry{deps: deps}
}

// Handler returns the handler for t.
func (r *Registry) Handler(t model.JobType) (Handler, error) {
	switch t {
	case model.JobResearch:
		return &researchHandler{deps: &r.deps}, nil
	case model.JobCompile:
		return &compileHandler{deps: &r.deps}, nil
	case model.JobTTS:
		return &ttsHandler{deps: &r.deps}, nil
	case model.JobVideo:
		return &videoHandler{deps: &r.deps}, nil
	case model.JobAssemble:
		return &assembleHandler{deps: &r.deps}, nil
	case model.JobImageCompile:
		return &imageCompileHandler{deps: &r.deps}, nil
	case model.JobImage:
		return &imageHandler{deps: &r.deps}, nil
	default:
		return nil, fmt.Errorf("no handler for job type %q", t)
	}
}

// Progress returns the clip state a stage shows while it runs. ok is false
// for stages that do not touch clip state up front.
func Progress(t model.JobType) (status model.ClipStatus, ui model.ClipUIState, ok bool) {
	switch t {
	case model.JobCompile, model.JobImageCompile:
		return model.ClipScripting, model.UIWriting, true
	case model.JobTTS:
		return model.ClipVO, model.UIVoicing, true
	case model.JobVideo:
		return model.ClipRendering, model.UISubmitting, true
	case model.JobAssemble:
		return model.ClipAssembling, model.UIAssembling, true
	case model.JobImage:
		return model.ClipGenerating, model.UIRendering, true
	case model.JobResearch:
		return "", "", false
	default:
		return "", "", false
	}
}

func (d *Deps) providers(mode model.TestMode) (upstream.Providers, error) {
	if mode == model.TestModeMock {
		if !d.Mock.Complete() {
			return upstream.Providers{}, errors.New("mock providers not configured")
		}
		return d.Mock, nil
	}
	if !d.Live.Complete() {
		return upstream.Providers{}, ErrProvidersNotConfigured
	}
	return d.Live, nil
}

// fail builds a failure outcome, classifying upstream errors.
func fail(t model.JobType, op string, err error) Outcome {
	f := &Failure{
		Err:                    &StageError{Stage: t, Op: op, Err: err},
		ProviderMayHaveCharged: upstream.MayHaveCharged(err),
		Class:                  model.DefaultFailureClass(t),
	}
	if kind, ok := upstream.KindOf(err); ok {
		switch kind {
		case upstream.KindContentPolicy:
			f.Class = model.FailContentPolicy
			f.Permanent = true
		case upstream.KindRejected:
			f.Permanent = true
		}
	}
	return Outcome{Failure: f}
}

// nextJob builds a chained job inheriting the parent's payload.
func nextJob(parent *model.Job, t model.JobType, clip *model.Clip) store.NewJob {
	payload := parent.Payload
	payload.Slot = nil
	clipID := ""
	if clip != nil {
		clipID = clip.ID
		slot := clip.Slot
		payload.Slot = &slot
	}
	if len(parent.Payload.Context) > 0 {
		payload.Context = make(map[string]string, len(parent.Payload.Context))
		for k, v := range parent.Payload.Context {
			payload.Context[k] = v
		}
	}
	return store.NewJob{
		BatchID:  parent.BatchID,
		ClipID:   clipID,
		Type:     t,
		Payload:  payload,
		ChainKey: store.ChainKey(parent.ID, t, clipID),
	}
}

// activeClips returns the clips a batch-level stage still works on.
func activeClips(clips []model.Clip) []model.Clip {
	out := make([]model.Clip, 0, len(clips))
	for _, c := range clips {
		if !c.Status.IsTerminal() {
			out = append(out, c)
		}
	}
	return out
}

func requireClip(t model.JobType, in Input) *Outcome {
	if in.Clip == nil {
		o := Outcome{Failure: &Failure{
			Err:       &StageError{Stage: t, Err: errors.New("job has no clip")},
			Class:     model.DefaultFailureClass(t),
			Permanent: true,
		}}
		return &o
	}
	return nil
}
