package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

type compileHandler struct {
	deps *Deps
}

// Handle writes one script per remaining clip and enqueues voice synthesis
// for each.
func (h *compileHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobCompile
	clips := activeClips(in.Clips)
	if len(clips) == 0 {
		return Outcome{}
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	scripts, err := p.Scripts.WriteScripts(ctx, upstream.ScriptRequest{
		BatchID:  in.Batch.ID,
		Intent:   in.Batch.Intent,
		Method:   in.Batch.Method,
		Research: in.Batch.ResearchPayload,
		Count:    len(clips),
		Model:    in.Job.Payload.Models.Script,
	})
	if err != nil {
		return fail(t, "scripts", err)
	}
	if len(scripts) != len(clips) {
		return fail(t, "scripts", fmt.Errorf("expected %d scripts, got %d", len(clips), len(scripts)))
	}

	var out Outcome
	for i := range clips {
		c := clips[i]
		s := scripts[i]
		if s.Text == "" {
			return fail(t, "scripts", fmt.Errorf("empty script for %s", c.VariantLabel))
		}
		cues := s.OnScreenText
		if cues == nil {
			cues = []string{}
		}
		out.Clips = append(out.Clips, store.ClipPatch{
			ClipID:         c.ID,
			Status:         model.ClipVO,
			UIState:        model.UIVoicing,
			ScriptText:     s.Text,
			OnScreenText:   cues,
			ProviderPrompt: s.ProviderPrompt,
		})
		out.Next = append(out.Next, nextJob(in.Job, model.JobTTS, &c))
	}
	return out
}

type ttsHandler struct {
	deps *Deps
}

// Handle voices the clip's script and enqueues its render.
func (h *ttsHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobTTS
	if o := requireClip(t, in); o != nil {
		return *o
	}
	if in.Clip.ScriptText == "" {
		return Outcome{Failure: &Failure{
			Err:       &StageError{Stage: t, Err: errors.New("clip has no script")},
			Class:     model.FailScript,
			Permanent: true,
		}}
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	voice, err := p.Voice.Synthesize(ctx, upstream.VoiceRequest{
		ClipID: in.Clip.ID,
		Text:   in.Clip.ScriptText,
		Model:  in.Job.Payload.Models.Voice,
	})
	if err != nil {
		return fail(t, "synthesize", err)
	}

	return Outcome{
		Clips: []store.ClipPatch{{
			ClipID:   in.Clip.ID,
			Status:   model.ClipRendering,
			UIState:  model.UISubmitting,
			VoiceURL: voice.URL,
		}},
		Next: []store.NewJob{nextJob(in.Job, model.JobVideo, in.Clip)},
	}
}
