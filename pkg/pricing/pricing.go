// Package pricing computes the base cost and user charge of a batch from its
// quality tier, output kind, variant count and test mode.
//
// All amounts are integer cents at the API boundary. Per-stage unit costs are
// fractional cents and are only rounded once, after multiplying by the
// variant count.
package pricing

import (
	"fmt"
	"math"

	"github.com/3leaps/clipforge/pkg/model"
)

// DefaultUpsellMultiplier is the ratio between user charge and base cost.
const DefaultUpsellMultiplier = 3.0

// Upstream model identifiers, grouped by stage.
const (
	ScriptMini     = "script-mini"
	ScriptStandard = "script-standard"
	ScriptPro      = "script-pro"

	VoiceBasic   = "voice-basic"
	VoiceNatural = "voice-natural"
	VoiceStudio  = "voice-studio"

	RenderLite   = "render-lite"
	RenderHD     = "render-hd"
	RenderCinema = "render-cinema"

	ImageDraft    = "image-draft"
	ImageStandard = "image-standard"
	ImageUltra    = "image-ultra"
)

// assembleCents is the flat per-video cost of the assembly step.
const assembleCents = 1.0

// PlanFor returns the model set for a tier.
func PlanFor(tier model.QualityTier) (model.StageModels, error) {
	switch tier {
	case model.TierEconomy:
		return model.StageModels{Script: ScriptMini, Voice: VoiceBasic, Render: RenderLite, Image: ImageDraft}, nil
	case model.TierBalanced:
		return model.StageModels{Script: ScriptStandard, Voice: VoiceNatural, Render: RenderHD, Image: ImageStandard}, nil
	case model.TierPremium:
		return model.StageModels{Script: ScriptPro, Voice: VoiceStudio, Render: RenderCinema, Image: ImageUltra}, nil
	default:
		return model.StageModels{}, fmt.Errorf("unknown quality tier %q", tier)
	}
}

// EffectiveTier returns the tier actually used for a test mode. Cheap mode
// forces economy models on every stage.
func EffectiveTier(tier model.QualityTier, mode model.TestMode) model.QualityTier {
	if mode == model.TestModeCheap {
		return model.TierEconomy
	}
	return tier
}

// unitCents returns the per-call cost of a model in fractional cents.
func unitCents(modelID string) (float64, error) {
	switch modelID {
	case ScriptMini:
		return 0.4, nil
	case ScriptStandard:
		return 1.5, nil
	case ScriptPro:
		return 4, nil
	case VoiceBasic:
		return 2, nil
	case VoiceNatural:
		return 6, nil
	case VoiceStudio:
		return 12, nil
	case RenderLite:
		return 20, nil
	case RenderHD:
		return 55, nil
	case RenderCinema:
		return 120, nil
	case ImageDraft:
		return 2, nil
	case ImageStandard:
		return 4, nil
	case ImageUltra:
		return 9, nil
	default:
		return 0, fmt.Errorf("no unit cost for model %q", modelID)
	}
}

// Breakdown is the per-item cost of each stage in fractional cents.
type Breakdown struct {
	Script      float64 `json:"script"`
	Voice       float64 `json:"voice"`
	Render      float64 `json:"render"`
	Assemble    float64 `json:"assemble"`
	ImagePrompt float64 `json:"image_prompt"`
	Image       float64 `json:"image"`
}

// Total sums every stage.
func (b Breakdown) Total() float64 {
	return b.Script + b.Voice + b.Render + b.Assemble + b.ImagePrompt + b.Image
}

// Quote is the priced result for one batch request.
type Quote struct {
	Tier            model.QualityTier `json:"tier"`
	EffectiveTier   model.QualityTier `json:"effective_tier"`
	Kind            model.OutputKind  `json:"output_kind"`
	Count           int               `json:"variant_count"`
	Mode            model.TestMode    `json:"test_mode"`
	Models          model.StageModels `json:"models"`
	PerItem         Breakdown         `json:"per_item"`
	PerItemCents    float64           `json:"per_item_cents"`
	BaseCostCents   int64             `json:"base_cost_cents"`
	UserChargeCents int64             `json:"user_charge_cents"`
	Multiplier      float64           `json:"upsell_multiplier"`
}

// Pricer applies an upsell multiplier to computed base costs.
type Pricer struct {
	multiplier float64
}

// New returns a Pricer. A non-positive multiplier selects DefaultUpsellMultiplier.
func New(multiplier float64) *Pricer {
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		multiplier = DefaultUpsellMultiplier
	}
	return &Pricer{multiplier: multiplier}
}

// Multiplier returns the configured upsell multiplier.
func (p *Pricer) Multiplier() float64 {
	return p.multiplier
}

// Quote prices a batch. Mock mode is always free; cheap mode is priced as economy.
func (p *Pricer) Quote(tier model.QualityTier, kind model.OutputKind, count int, mode model.TestMode) (Quote, error) {
	if _, err := model.ParseQualityTier(string(tier)); err != nil {
		return Quote{}, err
	}
	if _, err := model.ParseOutputKind(string(kind)); err != nil {
		return Quote{}, err
	}
	if _, err := model.ParseTestMode(string(mode)); err != nil {
		return Quote{}, err
	}
	if !model.IsValidVariantCount(count) {
		return Quote{}, fmt.Errorf("variant count %d not in %v", count, model.ValidVariantCounts)
	}

	eff := EffectiveTier(tier, mode)
	models, err := PlanFor(eff)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		Tier:          tier,
		EffectiveTier: eff,
		Kind:          kind,
		Count:         count,
		Mode:          mode,
		Models:        models,
		Multiplier:    p.multiplier,
	}
	if mode == model.TestModeMock {
		return q, nil
	}

	bd, err := breakdownFor(kind, models)
	if err != nil {
		return Quote{}, err
	}
	q.PerItem = bd
	q.PerItemCents = bd.Total()

	raw := q.PerItemCents * float64(count)
	q.UserChargeCents = int64(math.Round(raw * p.multiplier))
	q.BaseCostCents = p.BaseFromCharge(q.UserChargeCents)
	return q, nil
}

func breakdownFor(kind model.OutputKind, models model.StageModels) (Breakdown, error) {
	script, err := unitCents(models.Script)
	if err != nil {
		return Breakdown{}, err
	}
	switch kind {
	case model.OutputVideo:
		voice, err := unitCents(models.Voice)
		if err != nil {
			return Breakdown{}, err
		}
		render, err := unitCents(models.Render)
		if err != nil {
			return Breakdown{}, err
		}
		return Breakdown{Script: script, Voice: voice, Render: render, Assemble: assembleCents}, nil
	case model.OutputImage:
		image, err := unitCents(models.Image)
		if err != nil {
			return Breakdown{}, err
		}
		// Image prompts are short compared to scripts.
		return Breakdown{ImagePrompt: script / 2, Image: image}, nil
	default:
		return Breakdown{}, fmt.Errorf("unknown output kind %q", kind)
	}
}

// BaseFromCharge returns round(charge / multiplier).
func (p *Pricer) BaseFromCharge(chargeCents int64) int64 {
	if chargeCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(chargeCents) / p.multiplier))
}

// PerItemShare returns the refundable share of a batch charge for one clip.
// Shares are floored so that refunding every clip never exceeds the charge.
func PerItemShare(chargeCents int64, count int) int64 {
	if chargeCents <= 0 || count <= 0 {
		return 0
	}
	return chargeCents / int64(count)
}
