package sampling

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanobatch/sequence"
)

func seqWith(t *testing.T, tokens []int, opts ...sequence.SamplingOption) *sequence.Sequence {
	t.Helper()
	sp, err := sequence.NewSamplingParams(opts...)
	require.NoError(t, err)
	return sequence.New(tokens, sp, 0)
}

func TestGreedyPicksArgmaxAndSkipsRest(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(0))
	logits := []float64{0.1, 5.0, 3.0, 5.0}
	res := Row(logits, seq, rand.New(rand.NewSource(0)))
	// Ties broken by smaller token id: indices 1 and 3 both have 5.0.
	assert.Equal(t, 1, res.TokenID)
	assert.LessOrEqual(t, res.Logprob, 0.0)
}

func TestGreedyDeterministic(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(0))
	logits := []float64{1, 2, 3, 0.5}
	r1 := Row(logits, seq, rand.New(rand.NewSource(42)))
	r2 := Row(logits, seq, rand.New(rand.NewSource(99)))
	assert.Equal(t, r1.TokenID, r2.TokenID, "greedy ignores rng")
}

func TestTemperatureSampleIsDeterministicUnderFixedSeed(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(1.0))
	logits := []float64{1, 2, 3, 0.5}
	r1 := Row(logits, seq, rand.New(rand.NewSource(7)))
	r2 := Row(logits, seq, rand.New(rand.NewSource(7)))
	assert.Equal(t, r1, r2)
}

func TestTopKMasksAllButK(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(1.0), sequence.WithTopK(1))
	logits := []float64{1, 2, 100, 3}
	// With k=1 only index 2 survives; every draw must land there.
	for seed := int64(0); seed < 5; seed++ {
		res := Row(logits, seq, rand.New(rand.NewSource(seed)))
		assert.Equal(t, 2, res.TokenID)
	}
}

func TestTopPNarrowsToHighMassPrefix(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(1.0), sequence.WithTopP(0.01))
	logits := []float64{0, 0, 50, 0}
	for seed := int64(0); seed < 5; seed++ {
		res := Row(logits, seq, rand.New(rand.NewSource(seed)))
		assert.Equal(t, 2, res.TokenID)
	}
}

func TestFrequencyPenaltySuppressesRepeatedToken(t *testing.T) {
	seq := seqWith(t, []int{0, 0, 0}, sequence.WithTemperature(0), sequence.WithFrequencyPenalty(2.0))
	logits := []float64{10, 9.9, 1}
	res := Row(logits, seq, rand.New(rand.NewSource(0)))
	assert.NotEqual(t, 0, res.TokenID, "token 0 appeared 3x and should be penalized below token 1")
}

func TestPresencePenaltyPushesAwayFromSeenToken(t *testing.T) {
	seq := seqWith(t, []int{2}, sequence.WithTemperature(0), sequence.WithPresencePenalty(2.0))
	logits := []float64{1, 1, 2.5}
	res := Row(logits, seq, rand.New(rand.NewSource(0)))
	assert.NotEqual(t, 2, res.TokenID)
}

func TestRepetitionPenaltyShrinksPositiveLogits(t *testing.T) {
	seq := seqWith(t, []int{0}, sequence.WithTemperature(0), sequence.WithRepetitionPenalty(4.0))
	logits := []float64{8, 3}
	res := Row(logits, seq, rand.New(rand.NewSource(0)))
	// 8/4 = 2 < 3, so token 1 should now win.
	assert.Equal(t, 1, res.TokenID)
}

func TestLogitBiasMasksToken(t *testing.T) {
	seq := seqWith(t, []int{1}, sequence.WithTemperature(0),
		sequence.WithLogitBias(map[int]float64{2: math.Inf(-1)}))
	logits := []float64{1, 2, 100}
	res := Row(logits, seq, rand.New(rand.NewSource(0)))
	assert.Equal(t, 1, res.TokenID)
}
