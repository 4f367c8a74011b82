package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

const defaultAspectRatio = "1:1"

type imageCompileHandler struct {
	deps *Deps
}

// Handle writes one image prompt per remaining clip and enqueues one image
// job for each.
func (h *imageCompileHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobImageCompile
	clips := activeClips(in.Clips)
	if len(clips) == 0 {
		return Outcome{}
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	prompts, err := p.ImagePrompts.WriteImagePrompts(ctx, upstream.ImagePromptRequest{
		BatchID:  in.Batch.ID,
		Intent:   in.Batch.Intent,
		Pack:     in.Batch.Method,
		Research: in.Batch.ResearchPayload,
		Count:    len(clips),
		Model:    in.Job.Payload.Models.Script,
	})
	if err != nil {
		return fail(t, "image prompts", err)
	}
	if len(prompts) != len(clips) {
		return fail(t, "image prompts", fmt.Errorf("expected %d prompts, got %d", len(clips), len(prompts)))
	}

	var out Outcome
	for i := range clips {
		c := clips[i]
		pr := prompts[i]
		if pr.Prompt == "" {
			return fail(t, "image prompts", fmt.Errorf("empty prompt for %s", c.VariantLabel))
		}
		imageType := pr.ImageType
		if imageType == "" {
			imageType = in.Batch.Method
		}
		ratio := pr.AspectRatio
		if ratio == "" {
			ratio = defaultAspectRatio
		}
		out.Clips = append(out.Clips, store.ClipPatch{
			ClipID:      c.ID,
			Status:      model.ClipGenerating,
			UIState:     model.UIQueued,
			ImagePrompt: pr.Prompt,
			ImageType:   imageType,
			AspectRatio: ratio,
		})
		// The image stage reads the prompt from the clip row.
		c.ImagePrompt = pr.Prompt
		out.Next = append(out.Next, nextJob(in.Job, model.JobImage, &c))
	}
	return out
}

type imageHandler struct {
	deps *Deps
}

// Handle generates the clip's image and publishes it.
func (h *imageHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobImage
	if o := requireClip(t, in); o != nil {
		return *o
	}
	if in.Clip.ImagePrompt == "" {
		return Outcome{Failure: &Failure{
			Err:       &StageError{Stage: t, Err: errors.New("clip has no image prompt")},
			Class:     model.FailScript,
			Permanent: true,
		}}
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	imageType := in.Clip.ImageType
	if imageType == "" {
		imageType = in.Batch.Method
	}
	ratio := in.Clip.AspectRatio
	if ratio == "" {
		ratio = defaultAspectRatio
	}
	media, err := p.Images.GenerateImage(ctx, upstream.ImageRequest{
		ClipID:      in.Clip.ID,
		Prompt:      in.Clip.ImagePrompt,
		ImageType:   imageType,
		AspectRatio: ratio,
		Model:       in.Job.Payload.Models.Image,
	})
	if err != nil {
		return fail(t, "generate", err)
	}
	url, err := h.deps.publish(ctx, in.Batch.ID, in.Clip.VariantLabel, media, "image/png")
	if err != nil {
		o := fail(t, "publish", err)
		// The image was generated before publication failed.
		o.Failure.ProviderMayHaveCharged = true
		return o
	}

	return Outcome{
		Clips: []store.ClipPatch{{
			ClipID:      in.Clip.ID,
			Status:      model.ClipReady,
			UIState:     model.UIReady,
			ImageType:   imageType,
			AspectRatio: ratio,
			ImageURL:    url,
		}},
		ClipDone: true,
	}
}
