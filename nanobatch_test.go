package nanobatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanobatch/config"
	"nanobatch/request"
	"nanobatch/sequence"
	"nanobatch/tokenizer"
)

func TestRunnerSubmitRunsToCompletion(t *testing.T) {
	cfg := config.New(config.WithBlockSize(4), config.WithNumKVCacheBlocks(64))
	r := NewRunner(cfg, NewMockEngine(1000), NewMockTokenizer(-1), 5*time.Millisecond)
	defer r.Close()

	sp, err := sequence.NewSamplingParams(sequence.WithMaxTokens(2))
	require.NoError(t, err)

	final := make(chan request.OutputEvent, 1)
	r.Submit(Spec{
		PromptTokenIDs: []int{1, 2, 3},
		SamplingParams: sp,
		Sink: func(e request.OutputEvent) bool {
			if e.Kind == request.EventFinal {
				final <- e
			}
			return true
		},
	})

	select {
	case e := <-final:
		require.Len(t, e.Choices, 1)
		assert.Equal(t, sequence.FinishLength, e.Choices[0].FinishReason)
	case <-time.After(2 * time.Second):
		t.Fatal("request never finished")
	}
}

func TestRunnerSubmitRendersMessages(t *testing.T) {
	cfg := config.New(config.WithBlockSize(4), config.WithNumKVCacheBlocks(64))
	r := NewRunner(cfg, NewMockEngine(1000), NewMockTokenizer(-1), 5*time.Millisecond)
	defer r.Close()

	sp, err := sequence.NewSamplingParams(sequence.WithMaxTokens(1))
	require.NoError(t, err)

	final := make(chan request.OutputEvent, 1)
	r.Submit(Spec{
		Messages: []tokenizer.Message{
			{Role: "user", Content: "hi"},
		},
		SamplingParams: sp,
		Sink: func(e request.OutputEvent) bool {
			if e.Kind == request.EventFinal {
				final <- e
			}
			return true
		},
	})

	select {
	case e := <-final:
		require.Len(t, e.Choices, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("request never finished")
	}
}

func TestErrorKindWrapping(t *testing.T) {
	err := InvalidRequest(assertErr("bad prompt"))
	assert.True(t, IsKind(err, KindInvalidRequest))
	assert.False(t, IsKind(err, KindEngineError))
	assert.Contains(t, err.Error(), "bad prompt")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
