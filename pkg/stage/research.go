package stage

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

type researchHandler struct {
	deps *Deps
}

// Handle stores the research payload, moves the batch to running and hands
// off to the first content stage.
func (h *researchHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobResearch
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	res, err := p.Research.Research(ctx, upstream.ResearchRequest{
		BatchID: in.Batch.ID,
		Intent:  in.Batch.Intent,
		Method:  in.Batch.Method,
		Kind:    string(in.Batch.OutputKind),
		Model:   in.Job.Payload.Models.Script,
	})
	if err != nil {
		return fail(t, "research", err)
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fail(t, "encode research", err)
	}

	out := Outcome{Batch: &store.BatchPatch{Status: model.BatchRunning, ResearchPayload: payload}}
	switch in.Batch.OutputKind {
	case model.OutputImage:
		if prompted(in.Clips) {
			for _, c := range activeClips(in.Clips) {
				out.Next = append(out.Next, nextJob(in.Job, model.JobImage, &c))
			}
		} else {
			out.Next = append(out.Next, nextJob(in.Job, model.JobImageCompile, nil))
		}
	default:
		out.Next = append(out.Next, nextJob(in.Job, model.JobCompile, nil))
	}

	h.deps.Logger.Debug("Research complete",
		zap.String("batch_id", in.Batch.ID),
		zap.Int("keywords", len(res.Keywords)))
	return out
}

// prompted reports whether every clip already carries an image prompt.
func prompted(clips []model.Clip) bool {
	if len(clips) == 0 {
		return false
	}
	for _, c := range clips {
		if c.ImagePrompt == "" {
			return false
		}
	}
	return true
}
