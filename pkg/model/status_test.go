package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStatusTransitions(t *testing.T) {
	tests := []struct {
		from BatchStatus
		to   BatchStatus
		ok   bool
	}{
		{BatchQueued, BatchResearching, true},
		{BatchQueued, BatchRunning, true},
		{BatchResearching, BatchRunning, true},
		{BatchRunning, BatchDone, true},
		{BatchRunning, BatchFailed, true},
		{BatchRunning, BatchCancelled, true},
		{BatchDone, BatchRunning, false},
		{BatchFailed, BatchDone, false},
		{BatchCancelled, BatchRunning, false},
		{BatchQueued, BatchDone, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJobStatusTransitions(t *testing.T) {
	assert.True(t, JobQueued.CanTransitionTo(JobRunning))
	assert.True(t, JobRunning.CanTransitionTo(JobQueued))
	assert.True(t, JobRunning.CanTransitionTo(JobDone))
	assert.False(t, JobDone.CanTransitionTo(JobQueued))
	assert.False(t, JobQueued.CanTransitionTo(JobDone))
}

func TestJobTypeBatchLevel(t *testing.T) {
	assert.True(t, JobResearch.IsBatchLevel())
	assert.True(t, JobCompile.IsBatchLevel())
	assert.True(t, JobImageCompile.IsBatchLevel())
	assert.False(t, JobTTS.IsBatchLevel())
	assert.False(t, JobImage.IsBatchLevel())
}

func TestParseEnums(t *testing.T) {
	k, err := ParseOutputKind(" Video ")
	require.NoError(t, err)
	assert.Equal(t, OutputVideo, k)

	_, err = ParseOutputKind("gif")
	assert.Error(t, err)

	m, err := ParseTestMode("")
	require.NoError(t, err)
	assert.Equal(t, TestModeOff, m)

	_, err = ParseQualityTier("ultra")
	assert.Error(t, err)

	jt, err := ParseJobType("image_compile")
	require.NoError(t, err)
	assert.Equal(t, JobImageCompile, jt)
}

func TestVariantHelpers(t *testing.T) {
	assert.True(t, IsValidVariantCount(4))
	assert.False(t, IsValidVariantCount(3))
	assert.Equal(t, "V01", VariantLabel(0))
	assert.Equal(t, "V08", VariantLabel(7))
}

func TestClipDisplayState(t *testing.T) {
	c := Clip{Status: ClipVO}
	assert.Equal(t, UIVoicing, c.DisplayState())
	c.UIState = UIRenderingDelayed
	assert.Equal(t, UIRenderingDelayed, c.DisplayState())
}
