// Package simulated is an in-process implementation of every upstream stage.
//
// Output is derived deterministically from the request, so re-running a
// stage yields the same result. Faults can be injected per operation to
// exercise retry and failure paths.
package simulated

import (
	"context"
	"crypto/sha1" // #nosec G505 -- used for deterministic ids, not security
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/clipforge/pkg/upstream"
)

const providerName = "simulated"

// Op names one upstream operation for fault injection.
type Op string

const (
	OpResearch     Op = "research"
	OpScripts      Op = "scripts"
	OpImagePrompts Op = "image_prompts"
	OpVoice        Op = "voice"
	OpRenderSubmit Op = "render.submit"
	OpRenderPoll   Op = "render.poll"
	// OpRenderResult makes a render finish in the failed state instead of
	// returning a transport error.
	OpRenderResult Op = "render.result"
	OpAssemble     Op = "assemble"
	OpImage        Op = "image"
)

// Fault makes an operation fail.
type Fault struct {
	Kind           upstream.Kind
	MayHaveCharged bool
	Message        string
	// Times limits how many calls fail; zero fails every call.
	Times int
}

// Provider implements upstream.Suite.
type Provider struct {
	mu          sync.Mutex
	faults      map[Op]*Fault
	calls       map[Op]int
	renders     map[string]*render
	renderPolls int
	latency     time.Duration
	baseURL     string
}

type render struct {
	req   upstream.RenderRequest
	polls int
}

// Option configures a Provider.
type Option func(*Provider)

// WithRenderPolls sets how many polls a render stays running before it
// succeeds (default 1).
func WithRenderPolls(n int) Option {
	return func(p *Provider) {
		if n >= 0 {
			p.renderPolls = n
		}
	}
}

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithBaseURL sets the host used for generated asset URLs.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		faults:      map[Op]*Fault{},
		calls:       map[Op]int{},
		renders:     map[string]*render{},
		renderPolls: 1,
		baseURL:     "https://sim.clipforge.local",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ upstream.Suite = (*Provider)(nil)

// InjectFault makes op fail according to f until cleared.
func (p *Provider) InjectFault(op Op, f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := f
	p.faults[op] = &cp
}

// ClearFaults removes every injected fault.
func (p *Provider) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = map[Op]*Fault{}
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter counts the call and returns the injected fault, if any.
func (p *Provider) enter(ctx context.Context, op Op) error {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return &upstream.Error{Op: string(op), Provider: providerName, Kind: upstream.KindTimeout, Err: ctx.Err()}
		case <-time.After(p.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return &upstream.Error{Op: string(op), Provider: providerName, Kind: upstream.KindTimeout, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.takeFault(op)
}

func (p *Provider) takeFault(op Op) error {
	f, ok := p.faults[op]
	if !ok {
		return nil
	}
	if f.Times > 0 {
		f.Times--
		if f.Times == 0 {
			delete(p.faults, op)
		}
	}
	msg := f.Message
	if msg == "" {
		msg = "injected fault"
	}
	return &upstream.Error{
		Op:             string(op),
		Provider:       providerName,
		Kind:           f.Kind,
		MayHaveCharged: f.MayHaveCharged,
		Err:            errors.New(msg),
	}
}

func digest(parts ...string) string {
	h := sha1.New() // #nosec G401 -- deterministic ids only
	for _, s := range parts {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func (p *Provider) Research(ctx context.Context, req upstream.ResearchRequest) (*upstream.Research, error) {
	if err := p.enter(ctx, OpResearch); err != nil {
		return nil, err
	}
	intent := strings.TrimSpace(req.Intent)
	return &upstream.Research{
		Summary:  fmt.Sprintf("Audience research for %q using the %s method.", intent, req.Method),
		Angles:   []string{"problem first", "surprising fact", "before and after"},
		Keywords: strings.Fields(strings.ToLower(intent)),
		Sources:  []string{p.baseURL + "/research/" + digest(req.BatchID, intent)},
	}, nil
}

func (p *Provider) WriteScripts(ctx context.Context, req upstream.ScriptRequest) ([]upstream.Script, error) {
	if err := p.enter(ctx, OpScripts); err != nil {
		return nil, err
	}
	out := make([]upstream.Script, req.Count)
	for i := range out {
		n := i + 1
		out[i] = upstream.Script{
			Text:           fmt.Sprintf("Variant %d (%s): %s", n, req.Method, req.Intent),
			OnScreenText:   []string{fmt.Sprintf("Take %d", n), strings.ToUpper(req.Method)},
			ProviderPrompt: fmt.Sprintf("vertical 9:16 short, %s style, variant %d: %s", req.Method, n, req.Intent),
		}
	}
	return out, nil
}

func (p *Provider) WriteImagePrompts(ctx context.Context, req upstream.ImagePromptRequest) ([]upstream.ImagePrompt, error) {
	if err := p.enter(ctx, OpImagePrompts); err != nil {
		return nil, err
	}
	ratios := []string{"1:1", "4:5", "9:16"}
	out := make([]upstream.ImagePrompt, req.Count)
	for i := range out {
		out[i] = upstream.ImagePrompt{
			Prompt:      fmt.Sprintf("%s image, variation %d: %s", req.Pack, i+1, req.Intent),
			ImageType:   req.Pack,
			AspectRatio: ratios[i%len(ratios)],
		}
	}
	return out, nil
}

func (p *Provider) Synthesize(ctx context.Context, req upstream.VoiceRequest) (*upstream.Voice, error) {
	if err := p.enter(ctx, OpVoice); err != nil {
		return nil, err
	}
	words := len(strings.Fields(req.Text))
	return &upstream.Voice{
		URL:         fmt.Sprintf("%s/voice/%s.mp3", p.baseURL, digest(req.ClipID, req.Text, req.Model)),
		DurationSec: float64(words) * 0.4,
	}, nil
}

func (p *Provider) Submit(ctx context.Context, req upstream.RenderRequest) (string, error) {
	if err := p.enter(ctx, OpRenderSubmit); err != nil {
		return "", err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = digest(req.ClipID, req.Prompt)
	}
	id := "sim-render-" + digest(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.renders[id]; !ok {
		p.renders[id] = &render{req: req}
	}
	return id, nil
}

func (p *Provider) Poll(ctx context.Context, renderID string) (*upstream.RenderStatus, error) {
	if err := p.enter(ctx, OpRenderPoll); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.renders[renderID]
	if !ok {
		return nil, &upstream.Error{
			Op: string(OpRenderPoll), Provider: providerName, Kind: upstream.KindRejected,
			Err: fmt.Errorf("unknown render %s", renderID),
		}
	}
	r.polls++
	if r.polls <= p.renderPolls {
		return &upstream.RenderStatus{ID: renderID, State: upstream.RenderRunning}, nil
	}
	if f := p.takeFault(OpRenderResult); f != nil {
		kind, _ := upstream.KindOf(f)
		return &upstream.RenderStatus{
			ID:            renderID,
			State:         upstream.RenderFailed,
			Error:         f.Error(),
			ContentPolicy: kind == upstream.KindContentPolicy,
		}, nil
	}
	return &upstream.RenderStatus{
		ID:       renderID,
		State:    upstream.RenderSucceeded,
		VideoURL: fmt.Sprintf("%s/render/%s.mp4", p.baseURL, strings.TrimPrefix(renderID, "sim-render-")),
	}, nil
}

func (p *Provider) Assemble(ctx context.Context, req upstream.AssembleRequest) (*upstream.Media, error) {
	if err := p.enter(ctx, OpAssemble); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SIMULATED-MP4\nclip=%s\nvideo=%s\nvoice=%s\ncues=%s\n",
		req.ClipID, req.VideoURL, req.VoiceURL, strings.Join(req.OnScreenText, "|"))
	return &upstream.Media{Data: []byte(body), ContentType: "video/mp4"}, nil
}

func (p *Provider) GenerateImage(ctx context.Context, req upstream.ImageRequest) (*upstream.Media, error) {
	if err := p.enter(ctx, OpImage); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("SIMULATED-PNG\nclip=%s\nprompt=%s\nratio=%s\n", req.ClipID, req.Prompt, req.AspectRatio)
	return &upstream.Media{Data: []byte(body), ContentType: "image/png"}, nil
}
