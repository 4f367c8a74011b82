// Package model holds the persisted domain vocabulary shared by the store,
// the lifecycle manager and the worker loop.
//
// NOTE: The string values of every enum in this package are persisted in the
// database and returned by the HTTP API. They are part of the stable contract.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutputKind is the artifact type produced by a batch.
type OutputKind string

const (
	OutputVideo OutputKind = "video"
	OutputImage OutputKind = "image"
)

// TestMode controls provider selection and pricing for a batch.
type TestMode string

const (
	// TestModeOff runs live providers with the requested tier.
	TestModeOff TestMode = "off"
	// TestModeCheap runs live providers with economy models everywhere.
	TestModeCheap TestMode = "cheap"
	// TestModeMock runs simulated providers; nothing is billed.
	TestModeMock TestMode = "mock"
)

// QualityTier selects the model set used by every stage.
type QualityTier string

const (
	TierEconomy  QualityTier = "economy"
	TierBalanced QualityTier = "balanced"
	TierPremium  QualityTier = "premium"
)

// ValidVariantCounts lists the batch sizes accepted at creation.
var ValidVariantCounts = []int{1, 2, 4, 6, 8}

func ParseOutputKind(s string) (OutputKind, error) {
	switch k := OutputKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OutputVideo, OutputImage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown output kind %q (expected video or image)", s)
	}
}

func ParseTestMode(s string) (TestMode, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return TestModeOff, nil
	}
	switch m := TestMode(v); m {
	case TestModeOff, TestModeCheap, TestModeMock:
		return m, nil
	default:
		return "", fmt.Errorf("unknown test mode %q (expected off, cheap or mock)", s)
	}
}

func ParseQualityTier(s string) (QualityTier, error) {
	switch t := QualityTier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierEconomy, TierBalanced, TierPremium:
		return t, nil
	default:
		return "", fmt.Errorf("unknown quality tier %q (expected economy, balanced or premium)", s)
	}
}

// IsValidVariantCount reports whether n is one of ValidVariantCounts.
func IsValidVariantCount(n int) bool {
	for _, v := range ValidVariantCounts {
		if v == n {
			return true
		}
	}
	return false
}

// VariantLabel returns the human-readable label for a zero-based slot (V01, V02, ...).
func VariantLabel(slot int) string {
	return fmt.Sprintf("V%02d", slot+1)
}

// Batch is one user generation request.
type Batch struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id,omitempty"`
	Intent          string          `json:"intent"`
	Method          string          `json:"method"`
	RequestedMethod string          `json:"requested_method"`
	TestMode        TestMode        `json:"test_mode"`
	VariantCount    int             `json:"variant_count"`
	OutputKind      OutputKind      `json:"output_kind"`
	Status          BatchStatus     `json:"status"`
	QualityTier     QualityTier     `json:"quality_tier"`
	BaseCostCents   int64           `json:"base_cost_cents"`
	UserChargeCents int64           `json:"user_charge_cents"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	RefundedCents   int64           `json:"refunded_cents"`
	ResearchPayload json.RawMessage `json:"research_payload,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	// SettledAt is stamped once every clip is terminal. A batch with both
	// ready and failed clips keeps status running, so SettledAt (or
	// Settled) is the signal that no more work will happen.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Settled reports whether every clip of the batch has finished.
func (b *Batch) Settled() bool {
	return b.SettledAt != nil
}

// Clip is one variant within a batch.
type Clip struct {
	ID             string       `json:"id"`
	BatchID        string       `json:"batch_id"`
	Slot           int          `json:"slot"`
	VariantLabel   string       `json:"variant_label"`
	Status         ClipStatus   `json:"status"`
	UIState        ClipUIState  `json:"ui_state,omitempty"`
	ScriptText     string       `json:"script_text,omitempty"`
	OnScreenText   []string     `json:"on_screen_text,omitempty"`
	ProviderPrompt string       `json:"provider_prompt,omitempty"`
	VoiceURL       string       `json:"vo_url,omitempty"`
	VideoURL       string       `json:"video_url,omitempty"`
	FinalURL       string       `json:"final_url,omitempty"`
	ImagePrompt    string       `json:"image_prompt,omitempty"`
	ImageType      string       `json:"image_type,omitempty"`
	AspectRatio    string       `json:"aspect_ratio,omitempty"`
	ImageURL       string       `json:"image_url,omitempty"`
	Winner         bool         `json:"winner"`
	Killed         bool         `json:"killed"`
	Error          string       `json:"error,omitempty"`
	ErrorClass     FailureClass `json:"error_class,omitempty"`
	ChargedState   ChargedState `json:"charged_state"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DisplayState returns the UI state when present, otherwise a state derived
// from the internal status.
func (c Clip) DisplayState() ClipUIState {
	if c.UIState != "" {
		return c.UIState
	}
	return c.Status.DefaultUIState()
}

// Job is one queued unit of pipeline work.
type Job struct {
	ID         string     `json:"id"`
	BatchID    string     `json:"batch_id"`
	ClipID     string     `json:"clip_id,omitempty"`
	Type       JobType    `json:"type"`
	Payload    JobPayload `json:"payload"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	ClaimToken string     `json:"-"`
	ChainKey   string     `json:"chain_key,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StageModels names the upstream model used by each stage.
type StageModels struct {
	Script string `json:"script"`
	Voice  string `json:"voice"`
	Render string `json:"render"`
	Image  string `json:"image"`
}

// JobPayload is the stage-specific parameter set carried by a job.
//
// The schema is designed for additive extension; unknown keys in Context are
// preserved across retries.
type JobPayload struct {
	Method     string            `json:"method"`
	OutputKind OutputKind        `json:"output_kind"`
	TestMode   TestMode          `json:"test_mode"`
	Models     StageModels       `json:"models"`
	Slot       *int              `json:"slot,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}
