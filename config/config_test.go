package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, 16, c.BlockSize)
	assert.Equal(t, PreemptRecompute, c.PreemptionMode)
	assert.Equal(t, "recompute", c.PreemptionMode.String())
}

func TestNewWithOptions(t *testing.T) {
	c := New(
		WithBlockSize(32),
		WithMaxSeqsPerBatch(8),
		WithPreemptionMode(PreemptSwap),
		WithPriorityAgingThreshold(5*time.Second),
	)
	assert.Equal(t, 32, c.BlockSize)
	assert.Equal(t, 8, c.MaxSeqsPerBatch)
	assert.Equal(t, PreemptSwap, c.PreemptionMode)
	assert.Equal(t, "swap", c.PreemptionMode.String())
	assert.Equal(t, 5*time.Second, c.PriorityAgingThreshold)
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(WithBlockSize(0))
	})
	assert.Panics(t, func() {
		New(WithMaxBatchTokens(1), WithBlockSize(16))
	})
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("NANOBATCH_BLOCK_SIZE", "64")
	t.Setenv("NANOBATCH_MAX_SEQS_PER_BATCH", "12")
	t.Setenv("NANOBATCH_PREEMPTION_MODE", "swap")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, c.BlockSize)
	assert.Equal(t, 12, c.MaxSeqsPerBatch)
	assert.Equal(t, PreemptSwap, c.PreemptionMode)
}

func TestLoadDefaultsWithoutEnv(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, New().BlockSize, c.BlockSize)
}
