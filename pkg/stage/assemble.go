package stage

import (
	"bytes"
	"context"
	"errors"

	"github.com/3leaps/clipforge/pkg/artifact"
	"github.com/3leaps/clipforge/pkg/model"
	"github.com/3leaps/clipforge/pkg/store"
	"github.com/3leaps/clipforge/pkg/upstream"
)

type assembleHandler struct {
	deps *Deps
}

// Handle muxes voice, video and cues into the final clip and publishes it.
func (h *assembleHandler) Handle(ctx context.Context, in Input) Outcome {
	const t = model.JobAssemble
	if o := requireClip(t, in); o != nil {
		return *o
	}
	p, err := h.deps.providers(in.Job.Payload.TestMode)
	if err != nil {
		return fail(t, "providers", err)
	}

	media, err := p.Assemble.Assemble(ctx, upstream.AssembleRequest{
		ClipID:       in.Clip.ID,
		VideoURL:     in.Clip.VideoURL,
		VoiceURL:     in.Clip.VoiceURL,
		OnScreenText: in.Clip.OnScreenText,
	})
	if err != nil {
		return fail(t, "assemble", err)
	}
	url, err := h.deps.publish(ctx, in.Batch.ID, in.Clip.VariantLabel, media, "video/mp4")
	if err != nil {
		o := fail(t, "publish", err)
		o.Failure.ProviderMayHaveCharged = true
		return o
	}

	return Outcome{
		Clips: []store.ClipPatch{{
			ClipID:   in.Clip.ID,
			Status:   model.ClipReady,
			UIState:  model.UIReady,
			FinalURL: url,
		}},
		ClipDone: true,
	}
}

// publish stores media returned as bytes and returns its URL. Media that is
// already hosted is returned as is.
func (d *Deps) publish(ctx context.Context, batchID, label string, m *upstream.Media, fallbackType string) (string, error) {
	if m == nil {
		return "", errors.New("no media returned")
	}
	if len(m.Data) == 0 {
		if m.URL == "" {
			return "", errors.New("media has neither url nor data")
		}
		return m.URL, nil
	}
	ct := m.ContentType
	if ct == "" {
		ct = fallbackType
	}
	key := artifact.Key(batchID, label, artifact.ExtFor(ct))
	return d.Artifacts.Put(ctx, key, bytes.NewReader(m.Data), int64(len(m.Data)), ct)
}
