package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/upstream"
)

func TestScriptsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	p := New()
	req := upstream.ScriptRequest{Intent: "coffee tips", Method: "listicle", Count: 4}

	a, err := p.WriteScripts(ctx, req)
	require.NoError(t, err)
	b, err := p.WriteScripts(ctx, req)
	require.NoError(t, err)
	require.Len(t, a, 4)
	assert.Equal(t, a, b)
	assert.Equal(t, 2, p.Calls(OpScripts))
}

func TestRenderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New(WithRenderPolls(2))

	id, err := p.Submit(ctx, upstream.RenderRequest{ClipID: "c1", Prompt: "x", IdempotencyKey: "job-1"})
	require.NoError(t, err)

	again, err := p.Submit(ctx, upstream.RenderRequest{ClipID: "c1", Prompt: "x", IdempotencyKey: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, id, again, "same idempotency key, same render")

	for i := 0; i < 2; i++ {
		st, err := p.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, upstream.RenderRunning, st.State)
	}
	st, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, upstream.RenderSucceeded, st.State)
	assert.Contains(t, st.VideoURL, ".mp4")

	_, err = p.Poll(ctx, "nope")
	assert.True(t, errors.Is(err, upstream.ErrRejected))
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.InjectFault(OpVoice, Fault{Kind: upstream.KindUnavailable, MayHaveCharged: true, Times: 2})

	for i := 0; i < 2; i++ {
		_, err := p.Synthesize(ctx, upstream.VoiceRequest{ClipID: "c", Text: "hi"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, upstream.ErrUnavailable))
		assert.True(t, upstream.MayHaveCharged(err))
	}
	v, err := p.Synthesize(ctx, upstream.VoiceRequest{ClipID: "c", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, v.URL)
}

func TestRenderResultFault(t *testing.T) {
	ctx := context.Background()
	p := New(WithRenderPolls(0))
	p.InjectFault(OpRenderResult, Fault{Kind: upstream.KindContentPolicy})

	id, err := p.Submit(ctx, upstream.RenderRequest{ClipID: "c"})
	require.NoError(t, err)
	st, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, upstream.RenderFailed, st.State)
	assert.True(t, st.ContentPolicy)
}

func TestCancelledContextIsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Research(ctx, upstream.ResearchRequest{Intent: "x"})
	assert.True(t, upstream.IsTimeout(err))
}

func TestMediaHasData(t *testing.T) {
	ctx := context.Background()
	p := New()
	m, err := p.Assemble(ctx, upstream.AssembleRequest{ClipID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", m.ContentType)
	assert.NotEmpty(t, m.Data)

	img, err := p.GenerateImage(ctx, upstream.ImageRequest{ClipID: "c", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
}
