package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParams(t *testing.T, opts ...SamplingOption) *SamplingParams {
	t.Helper()
	sp, err := NewSamplingParams(opts...)
	require.NoError(t, err)
	return sp
}

func TestNewSequence(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(100))
	seq := New([]int{1, 2, 3, 4, 5}, sp, 0)

	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.NumPromptTokens)
	assert.Equal(t, 0, seq.NumCompletionTokens())
	assert.Equal(t, StatusWaiting, seq.Status)
	assert.False(t, seq.IsFinished())
}

func TestAppendTokenAccumulatesLogprob(t *testing.T) {
	sp := mustParams(t)
	seq := New([]int{1, 2, 3}, sp, 0)

	seq.AppendToken(4, -0.5)
	seq.AppendToken(5, -0.25)

	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.LastToken())
	assert.Equal(t, 2, seq.NumCompletionTokens())
	assert.InDelta(t, -0.75, seq.CumulativeLogprob, 1e-9)
	assert.InDelta(t, -0.375, seq.LengthNormalizedLogprob(), 1e-9)
}

func TestAppendTokenPanicsAfterFinish(t *testing.T) {
	sp := mustParams(t)
	seq := New([]int{1}, sp, 0)
	seq.MarkCancelled()
	assert.Panics(t, func() { seq.AppendToken(2, 0) })
}

func TestNumBlocksNeeded(t *testing.T) {
	sp := mustParams(t)
	seq := New(make([]int, 15), sp, 0)
	assert.Equal(t, 1, seq.NumBlocksNeeded(16))

	seq.BlockTable = []int{0}
	for i := 0; i < 2; i++ {
		seq.AppendToken(i, 0)
	}
	// 17 tokens now occupy; appending one more needs a 2nd block.
	assert.Equal(t, 1, seq.NumBlocksNeeded(16))
}

func TestCheckStopLength(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(2), WithIgnoreEOS(true))
	seq := New([]int{1}, sp, 0)

	seq.AppendToken(2, 0)
	assert.Equal(t, FinishNone, seq.CheckStop(-1, ""))

	seq.AppendToken(3, 0)
	assert.Equal(t, FinishLength, seq.CheckStop(-1, ""))
	assert.True(t, seq.IsFinished())
}

func TestCheckStopEOS(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(100))
	seq := New([]int{1}, sp, 0)
	seq.AppendToken(99, 0)
	assert.Equal(t, FinishStop, seq.CheckStop(99, ""))
}

func TestCheckStopIgnoreEOSDoesNotDisableLength(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(1), WithIgnoreEOS(true))
	seq := New([]int{1}, sp, 0)
	seq.AppendToken(99, 0)
	assert.Equal(t, FinishLength, seq.CheckStop(99, ""))
}

func TestCheckStopString(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(100), WithStop([]string{"!"}))
	seq := New([]int{1}, sp, 0)

	seq.AppendToken(10, 0)
	assert.Equal(t, FinishNone, seq.CheckStop(-1, "there"))
	assert.Equal(t, "there", seq.DeliveredDelta)

	seq.AppendToken(11, 0)
	assert.Equal(t, FinishStop, seq.CheckStop(-1, "!world"))
	// "!" is the configured stop string: the delta must be trimmed to
	// nothing before it, and the cutoff must land right after "there".
	assert.Equal(t, "", seq.DeliveredDelta)
	assert.Equal(t, len("there"), seq.CompletionTextCutoff)
}

// TestCheckStopStringTrimsDeliveredText mirrors the literal scenario:
// prompt "hi", stop=["!"], greedy output "there!world" must deliver
// "there", not "there!" or "there!world".
func TestCheckStopStringTrimsDeliveredText(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(100), WithStop([]string{"!"}))
	seq := New([]int{1}, sp, 0)

	seq.AppendToken(10, 0)
	assert.Equal(t, FinishNone, seq.CheckStop(-1, "there"))
	assert.Equal(t, "there", seq.DeliveredDelta)

	seq.AppendToken(11, 0)
	reason := seq.CheckStop(-1, "!world")
	assert.Equal(t, FinishStop, reason)
	assert.Equal(t, "", seq.DeliveredDelta)
	assert.Equal(t, len("there"), seq.CompletionTextCutoff)

	delivered := "there" + seq.DeliveredDelta
	assert.Equal(t, "there", delivered)
}

func TestCheckStopTokenID(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(100), WithStopTokenIDs([]int{42}))
	seq := New([]int{1}, sp, 0)
	seq.AppendToken(42, 0)
	assert.Equal(t, FinishStop, seq.CheckStop(-1, ""))
}

func TestMarkCancelledOutranksLength(t *testing.T) {
	sp := mustParams(t, WithMaxTokens(1))
	seq := New([]int{1}, sp, 0)
	seq.AppendToken(2, 0)
	assert.Equal(t, FinishLength, seq.CheckStop(-1, ""))

	// Even though length already fired, cancellation still wins the slot.
	seq.MarkCancelled()
	assert.Equal(t, FinishCancelled, seq.FinishReason)
}

func TestSamplingParamsValidation(t *testing.T) {
	_, err := NewSamplingParams(WithBestOf(1), WithN(3))
	assert.Error(t, err)

	_, err = NewSamplingParams(WithTopP(0))
	assert.Error(t, err)

	sp, err := NewSamplingParams(WithTemperature(0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, sp.Temperature)
}
