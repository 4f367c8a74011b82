package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/model"
)

func TestPlanFor(t *testing.T) {
	m, err := PlanFor(model.TierBalanced)
	require.NoError(t, err)
	assert.Equal(t, ScriptStandard, m.Script)
	assert.Equal(t, VoiceNatural, m.Voice)
	assert.Equal(t, RenderHD, m.Render)
	assert.Equal(t, ImageStandard, m.Image)

	_, err = PlanFor("ultra")
	assert.Error(t, err)
}

func TestQuote_BalancedVideo(t *testing.T) {
	p := New(0)
	q, err := p.Quote(model.TierBalanced, model.OutputVideo, 4, model.TestModeOff)
	require.NoError(t, err)

	// script 1.5 + voice 6 + render 55 + assemble 1
	assert.InDelta(t, 63.5, q.PerItemCents, 0.0001)
	assert.Equal(t, int64(762), q.UserChargeCents) // 63.5 * 4 * 3
	assert.Equal(t, int64(254), q.BaseCostCents)
	assert.Equal(t, DefaultUpsellMultiplier, q.Multiplier)
}

func TestQuote_Image(t *testing.T) {
	p := New(3)
	q, err := p.Quote(model.TierEconomy, model.OutputImage, 2, model.TestModeOff)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, q.PerItem.ImagePrompt, 0.0001)
	assert.InDelta(t, 2.0, q.PerItem.Image, 0.0001)
	assert.Zero(t, q.PerItem.Render)
	assert.Equal(t, int64(13), q.UserChargeCents) // round(2.2*2*3)=round(13.2)
}

func TestQuote_TestModes(t *testing.T) {
	p := New(3)

	mock, err := p.Quote(model.TierPremium, model.OutputVideo, 8, model.TestModeMock)
	require.NoError(t, err)
	assert.Zero(t, mock.UserChargeCents)
	assert.Zero(t, mock.BaseCostCents)

	cheap, err := p.Quote(model.TierPremium, model.OutputVideo, 1, model.TestModeCheap)
	require.NoError(t, err)
	economy, err := p.Quote(model.TierEconomy, model.OutputVideo, 1, model.TestModeOff)
	require.NoError(t, err)
	assert.Equal(t, model.TierEconomy, cheap.EffectiveTier)
	assert.Equal(t, economy.UserChargeCents, cheap.UserChargeCents)
	assert.Equal(t, RenderLite, cheap.Models.Render)
}

func TestQuote_Validation(t *testing.T) {
	p := New(3)
	tests := []struct {
		name  string
		tier  model.QualityTier
		kind  model.OutputKind
		count int
		mode  model.TestMode
	}{
		{"bad tier", "gold", model.OutputVideo, 1, model.TestModeOff},
		{"bad kind", model.TierEconomy, "gif", 1, model.TestModeOff},
		{"bad count", model.TierEconomy, model.OutputVideo, 3, model.TestModeOff},
		{"bad mode", model.TierEconomy, model.OutputVideo, 1, "dry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Quote(tt.tier, tt.kind, tt.count, tt.mode)
			assert.Error(t, err)
		})
	}
}

func TestBaseFromCharge(t *testing.T) {
	p := New(3)
	assert.Equal(t, int64(0), p.BaseFromCharge(0))
	assert.Equal(t, int64(0), p.BaseFromCharge(-5))
	assert.Equal(t, int64(33), p.BaseFromCharge(100))
	assert.Equal(t, int64(34), p.BaseFromCharge(101)) // 33.67

	p2 := New(2.5)
	assert.Equal(t, int64(40), p2.BaseFromCharge(100))
}

func TestPerItemShare(t *testing.T) {
	assert.Equal(t, int64(25), PerItemShare(100, 4))
	assert.Equal(t, int64(33), PerItemShare(100, 3))
	assert.Equal(t, int64(0), PerItemShare(0, 4))
	assert.Equal(t, int64(0), PerItemShare(100, 0))

	// Refunding every clip never exceeds the charge.
	for _, n := range model.ValidVariantCounts {
		assert.LessOrEqual(t, PerItemShare(997, n)*int64(n), int64(997))
	}
}
