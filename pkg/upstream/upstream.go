// Package upstream defines the contracts of the external AI services each
// pipeline stage calls.
//
// Implementations live in subpackages: httpapi talks JSON over HTTP to a
// provider gateway, simulated answers deterministically in-process and is
// used for mock batches and tests.
package upstream

import (
	"context"
	"encoding/json"
)

// ResearchRequest asks for background material on an intent.
type ResearchRequest struct {
	BatchID string `json:"batch_id"`
	Intent  string `json:"intent"`
	Method  string `json:"method"`
	Kind    string `json:"output_kind"`
	Model   string `json:"model"`
}

// Research is stored verbatim as the batch research payload.
type Research struct {
	Summary  string   `json:"summary"`
	Angles   []string `json:"angles,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

type Researcher interface {
	Research(ctx context.Context, req ResearchRequest) (*Research, error)
}

// ScriptRequest asks for one script per variant.
type ScriptRequest struct {
	BatchID  string          `json:"batch_id"`
	Intent   string          `json:"intent"`
	Method   string          `json:"method"`
	Research json.RawMessage `json:"research,omitempty"`
	Count    int             `json:"count"`
	Model    string          `json:"model"`
}

type Script struct {
	Text           string   `json:"text"`
	OnScreenText   []string `json:"on_screen_text"`
	ProviderPrompt string   `json:"provider_prompt"`
}

type ScriptWriter interface {
	WriteScripts(ctx context.Context, req ScriptRequest) ([]Script, error)
}

// ImagePromptRequest asks for one image prompt per variant.
type ImagePromptRequest struct {
	BatchID  string          `json:"batch_id"`
	Intent   string          `json:"intent"`
	Pack     string          `json:"pack"`
	Research json.RawMessage `json:"research,omitempty"`
	Count    int             `json:"count"`
	Model    string          `json:"model"`
}

type ImagePrompt struct {
	Prompt      string `json:"prompt"`
	ImageType   string `json:"image_type"`
	AspectRatio string `json:"aspect_ratio"`
}

type ImagePrompter interface {
	WriteImagePrompts(ctx context.Context, req ImagePromptRequest) ([]ImagePrompt, error)
}

type VoiceRequest struct {
	ClipID string `json:"clip_id"`
	Text   string `json:"text"`
	Model  string `json:"model"`
}

type Voice struct {
	URL         string  `json:"url"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

type VoiceSynth interface {
	Synthesize(ctx context.Context, req VoiceRequest) (*Voice, error)
}

// RenderRequest submits a video render. IdempotencyKey lets a provider
// deduplicate a resubmission after a retry.
type RenderRequest struct {
	ClipID         string `json:"clip_id"`
	Prompt         string `json:"prompt"`
	VoiceURL       string `json:"voice_url"`
	Model          string `json:"model"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RenderState is the provider-side progress of a render.
type RenderState string

const (
	RenderPending   RenderState = "pending"
	RenderRunning   RenderState = "running"
	RenderSucceeded RenderState = "succeeded"
	RenderFailed    RenderState = "failed"
)

type RenderStatus struct {
	ID       string      `json:"id"`
	State    RenderState `json:"state"`
	VideoURL string      `json:"video_url,omitempty"`
	Error    string      `json:"error,omitempty"`
	// ContentPolicy is set when the render was refused for its content.
	ContentPolicy bool `json:"content_policy,omitempty"`
}

type Renderer interface {
	Submit(ctx context.Context, req RenderRequest) (string, error)
	Poll(ctx context.Context, renderID string) (*RenderStatus, error)
}

type AssembleRequest struct {
	ClipID       string   `json:"clip_id"`
	VideoURL     string   `json:"video_url"`
	VoiceURL     string   `json:"voice_url"`
	OnScreenText []string `json:"on_screen_text"`
}

// Media is a produced asset. Either URL or Data is set; Data is published to
// artifact storage by the caller.
type Media struct {
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type Assembler interface {
	Assemble(ctx context.Context, req AssembleRequest) (*Media, error)
}

type ImageRequest struct {
	ClipID      string `json:"clip_id"`
	Prompt      string `json:"prompt"`
	ImageType   string `json:"image_type"`
	AspectRatio string `json:"aspect_ratio"`
	Model       string `json:"model"`
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Media, error)
}

// Providers bundles one implementation per stage.
type Providers struct {
	Research     Researcher
	Scripts      ScriptWriter
	ImagePrompts ImagePrompter
	Voice        VoiceSynth
	Render       Renderer
	Assemble     Assembler
	Images       ImageGenerator
}

// Complete reports whether every stage has an implementation.
func (p Providers) Complete() bool {
	return p.Research != nil && p.Scripts != nil && p.ImagePrompts != nil && p.Voice != nil &&
		p.Render != nil && p.Assemble != nil && p.Images != nil
}

// Suite is anything that implements every stage contract.
type Suite interface {
	Researcher
	ScriptWriter
	ImagePrompter
	VoiceSynth
	Renderer
	Assembler
	ImageGenerator
}

// FromSuite fills every stage from one implementation.
func FromSuite(s Suite) Providers {
	return Providers{
		Research:     s,
		Scripts:      s,
		ImagePrompts: s,
		Voice:        s,
		Render:       s,
		Assemble:     s,
		Images:       s,
	}
}
