package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

// ErrRenderTimeout is reported when a render is still running after MaxWait.
var ErrRenderTimeout = errors.New("render still running after max wait")

type videoHandler struct {
	deps *Deps
}

// Handle submits the render and polls it to completion.
func (h *videoHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobVideo
	if o := requireClip(t, in); o != nil {
		return *o
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}
	cfg := h.deps.Video
	log := h.deps.Logger.With(zap.String("clip_id", in.Clip.ID), zap.String("job_id", in.Job.ID))

	renderID, err := p.Render.Submit(ctx, upstream.RenderRequest{
		ClipID:   in.Clip.ID,
		Prompt:   in.Clip.ProviderPrompt,
		VoiceURL: in.Clip.VoiceURL,
		Model:    in.Job.Payload.Models.Render,
		// A resubmission within the same attempt is deduplicated upstream.
		IdempotencyKey: fmt.Sprintf("%s:%d", in.Job.ID, in.Job.Attempts),
	})
	if err != nil {
		return fail(t, "submit", err)
	}
	in.progress(ctx, store.ClipPatch{ClipID: in.Clip.ID, Status: model.ClipRendering, UIState: model.UIRendering})

	start := time.Now()
	delayed := false
	for {
		st, err := p.Render.Poll(ctx, renderID)
		if err != nil {
			o := fail(t, "poll", err)
			// The render was accepted, so the provider may bill for it.
			o.Failure.ProviderMayHaveCharged = true
			return o
		}

		switch st.State {
		case upstream.RenderSucceeded:
			if st.VideoURL == "" {
				o := fail(t, "poll", errors.New("render succeeded without a video url"))
				o.Failure.ProviderMayHaveCharged = true
				return o
			}
			log.Debug("Render complete", zap.String("render_id", renderID), zap.Duration("elapsed", time.Since(start)))
			return Outcome{
				Clips: []store.ClipPatch{{
					ClipID:   in.Clip.ID,
					Status:   model.ClipAssembling,
					UIState:  model.UIAssembling,
					VideoURL: st.VideoURL,
				}},
				Next: []store.NewJob{nextJob(in.Job, model.JobAssemble, in.Clip)},
			}
		case upstream.RenderFailed:
			msg := st.Error
			if msg == "" {
				msg = "render failed"
			}
			f := &Failure{
				Err:   &StageError{Stage: t, Op: "render", Err: errors.New(msg)},
				Class: model.FailVideo,
			}
			if st.ContentPolicy {
				f.Class = model.FailContentPolicy
				f.Permanent = true
			}
			return Outcome{Failure: f}
		}

		elapsed := time.Since(start)
		if cfg.DelayAfter > 0 && !delayed && elapsed >= cfg.DelayAfter {
			delayed = true
			in.progress(ctx, store.ClipPatch{ClipID: in.Clip.ID, UIState: model.UIRenderingDelayed})
		}
		if elapsed >= cfg.MaxWait {
			return Outcome{Failure: &Failure{
				Err:                    &StageError{Stage: t, Op: "poll", Err: ErrRenderTimeout},
				ProviderMayHaveCharged: true,
				Class:                  model.FailVideo,
				UIState:                model.UIRenderingDelayed,
			}}
		}

		timer := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Failure: &Failure{
				Err:                    &StageError{Stage: t, Op: "poll", Err: ctx.Err()},
				ProviderMayHaveCharged: true,
				Class:                  model.FailVideo,
				UIState:                model.UIRenderingDelayed,
			}}
		case <-timer.C:
		}
	}
}
