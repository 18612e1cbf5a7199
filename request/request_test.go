package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanobatch/sequence"
)

func params(t *testing.T, opts ...sequence.SamplingOption) *sequence.SamplingParams {
	t.Helper()
	sp, err := sequence.NewSamplingParams(opts...)
	require.NoError(t, err)
	return sp
}

func TestNewRequestSequenceCount(t *testing.T) {
	sp := params(t, sequence.WithN(1), sequence.WithBestOf(3))
	var events []OutputEvent
	sink := func(e OutputEvent) bool { events = append(events, e); return true }

	r := New([]int{1, 2, 3}, sp, PriorityNormal, false, sink, time.Now())
	assert.Len(t, r.Sequences, 3)
	assert.True(t, r.IsBestOf())
	assert.Equal(t, 1, r.N())
}

func TestRequestFinishedInvariant(t *testing.T) {
	sp := params(t, sequence.WithMaxTokens(1))
	sink := func(OutputEvent) bool { return true }
	r := New([]int{1}, sp, PriorityNormal, false, sink, time.Now())

	assert.False(t, r.IsFinished())
	for _, s := range r.Sequences {
		s.AppendToken(2, -0.1)
		s.CheckStop(-1, "")
	}
	assert.True(t, r.IsFinished())
}

func TestCancelMarksAllSequences(t *testing.T) {
	sp := params(t, sequence.WithN(2), sequence.WithBestOf(2))
	sink := func(OutputEvent) bool { return true }
	r := New([]int{1}, sp, PriorityNormal, true, sink, time.Now())

	r.Cancel()
	assert.True(t, r.IsCancelled())
	assert.Equal(t, StatusCancelled, r.Status)
	for _, s := range r.Sequences {
		assert.Equal(t, sequence.FinishCancelled, s.FinishReason)
	}
}

func TestDeliverDeltaAnnouncesOnce(t *testing.T) {
	sp := params(t)
	var events []OutputEvent
	sink := func(e OutputEvent) bool { events = append(events, e); return true }
	r := New([]int{1}, sp, PriorityNormal, true, sink, time.Now())

	ok := r.DeliverDelta(0, "hel", sequence.FinishNone)
	require.True(t, ok)
	ok = r.DeliverDelta(0, "lo", sequence.FinishNone)
	require.True(t, ok)

	require.Len(t, events, 3)
	assert.Equal(t, EventAnnounce, events[0].Kind)
	assert.Equal(t, "", events[0].Text)
	assert.Equal(t, EventDelta, events[1].Kind)
	assert.Equal(t, "hel", events[1].Text)
	assert.Equal(t, EventDelta, events[2].Kind)
	assert.Equal(t, "lo", events[2].Text)
}

func TestDeliverDeltaBackpressureCancels(t *testing.T) {
	sp := params(t)
	sink := func(OutputEvent) bool { return false }
	r := New([]int{1}, sp, PriorityNormal, true, sink, time.Now())

	ok := r.DeliverDelta(0, "", sequence.FinishNone)
	assert.False(t, ok)
}

func TestBestOfWinnersPicksHighestNormalizedLogprob(t *testing.T) {
	sp := params(t, sequence.WithN(1), sequence.WithBestOf(3), sequence.WithMaxTokens(10))
	sink := func(OutputEvent) bool { return true }
	r := New([]int{1}, sp, PriorityNormal, false, sink, time.Now())

	// Sequence 0: two tokens, avg -1.0. Sequence 1: one token, avg -0.1
	// (best). Sequence 2: two tokens, avg -2.0.
	r.Sequences[0].AppendToken(2, -1.0)
	r.Sequences[0].AppendToken(3, -1.0)
	r.Sequences[1].AppendToken(2, -0.1)
	r.Sequences[2].AppendToken(2, -2.0)
	r.Sequences[2].AppendToken(3, -2.0)
	for _, s := range r.Sequences {
		s.MarkCancelled() // just to make them terminal for the test
	}

	winners := r.BestOfWinners()
	require.Len(t, winners, 1)
	assert.Equal(t, 1, winners[0].Index)
}

func TestDeliverFinalUsageAccounting(t *testing.T) {
	sp := params(t, sequence.WithMaxTokens(5))
	var events []OutputEvent
	sink := func(e OutputEvent) bool { events = append(events, e); return true }
	r := New([]int{1, 2, 3}, sp, PriorityNormal, false, sink, time.Now())

	r.Sequences[0].AppendToken(9, -0.1)
	r.Sequences[0].AppendToken(10, -0.1)
	r.Sequences[0].MarkCancelled()

	ok := r.DeliverFinal(map[int]string{0: "hello"})
	require.True(t, ok)
	require.Len(t, events, 1)
	final := events[0]
	assert.Equal(t, EventFinal, final.Kind)
	require.Len(t, final.Choices, 1)
	assert.Equal(t, "hello", final.Choices[0].Text)
	assert.Equal(t, 3, final.Usage.PromptTokens)
	assert.Equal(t, 2, final.Usage.CompletionTokens)
	assert.Equal(t, 5, final.Usage.TotalTokens)
	assert.Equal(t, StatusFinished, r.Status)
}

func TestEscalatePriorityCapsAtHigh(t *testing.T) {
	sp := params(t)
	sink := func(OutputEvent) bool { return true }
	r := New([]int{1}, sp, PriorityHigh, false, sink, time.Now())
	r.Escalate()
	assert.Equal(t, PriorityHigh, r.Priority)
}

func TestRecordSkipEscalationThreshold(t *testing.T) {
	sp := params(t)
	sink := func(OutputEvent) bool { return true }
	r := New([]int{1}, sp, PriorityNormal, false, sink, time.Now())

	for i := 0; i < 7; i++ {
		assert.False(t, r.RecordSkip(8))
	}
	assert.True(t, r.RecordSkip(8))
}
