// Package sequence holds the per-generation state spec.md §3/§4.2 calls a
// Sequence: its tokens, its logical-to-physical block map, its immutable
// sampling configuration, and its decode/stop bookkeeping.
package sequence

import "sync/atomic"

// FinishReason is nullable on a Sequence; once set the Sequence is
// terminal. Ordered by precedence (spec §4.2): Cancelled > Error > Stop >
// Length, applied when more than one condition would fire on the same
// step.
type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
)

// precedence ranks lower-number-wins so CheckStop can pick the strongest
// reason when several would apply simultaneously.
var precedence = map[FinishReason]int{
	FinishCancelled: 0,
	FinishError:     1,
	FinishStop:      2,
	FinishLength:    3,
	FinishNone:      4,
}

// Status mirrors the teacher's SequenceStatus (waiting/running/finished),
// tracked here for observability; pool membership itself is owned by the
// Scheduler (spec §4.6).
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusFinished
)

var seqCounter int64

// Sequence is pure state: no pointers back to its owning Request or to
// the Scheduler (spec §9's cyclic-ownership note — callbacks only ever
// hold a weak RequestHandle, never this type).
type Sequence struct {
	ID              int64
	Index           int // 0-based rank inside its Request
	Status          Status
	TokenIDs        []int
	LogProbs        []float64 // parallel to TokenIDs[NumPromptTokens:]
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	SamplingParams  *SamplingParams

	FinishReason      FinishReason
	CumulativeLogprob float64

	// DeliveredDelta is the portion of the most recent CheckStop call's
	// textDelta that is safe to hand to a Sink: equal to textDelta unless
	// a stop string matched mid-delta, in which case it is truncated to
	// the text preceding the match (spec §8 scenario 2).
	DeliveredDelta string
	// CompletionTextCutoff is the byte offset into this Sequence's full
	// completion text (tokenizer.Decode(CompletionTokenIDs())) at which a
	// matched stop string begins, or -1 if no stop string has matched.
	// Callers truncate the final decode to this offset before delivery.
	CompletionTextCutoff int

	stop *stopMatcher
}

// New creates a Sequence from prompt token ids and its (shared, immutable)
// sampling params. index is this Sequence's rank within its Request
// (0 for n=1 requests).
func New(promptTokenIDs []int, sp *SamplingParams, index int) *Sequence {
	id := atomic.AddInt64(&seqCounter, 1) - 1
	tokens := make([]int, len(promptTokenIDs))
	copy(tokens, promptTokenIDs)
	return &Sequence{
		ID:                   id,
		Index:                index,
		Status:               StatusWaiting,
		TokenIDs:             tokens,
		NumPromptTokens:      len(tokens),
		BlockTable:           make([]int, 0),
		SamplingParams:       sp,
		CompletionTextCutoff: -1,
		stop:                 newStopMatcher(sp.Stop),
	}
}

// Len returns the total number of tokens (prompt + generated so far).
func (s *Sequence) Len() int { return len(s.TokenIDs) }

// IsFinished reports whether this Sequence has a terminal FinishReason.
func (s *Sequence) IsFinished() bool { return s.FinishReason != FinishNone }

// NumCompletionTokens returns the number of tokens generated past the
// prompt.
func (s *Sequence) NumCompletionTokens() int { return len(s.TokenIDs) - s.NumPromptTokens }

// PromptTokenIDs returns the prompt's token ids.
func (s *Sequence) PromptTokenIDs() []int { return s.TokenIDs[:s.NumPromptTokens] }

// CompletionTokenIDs returns the generated token ids.
func (s *Sequence) CompletionTokenIDs() []int { return s.TokenIDs[s.NumPromptTokens:] }

// LastToken returns the most recently appended (or final prompt) token.
func (s *Sequence) LastToken() int { return s.TokenIDs[len(s.TokenIDs)-1] }

// NumBlocksNeeded returns how many additional blocks must be allocated to
// admit one more token, per spec §4.1: ceil((len+1)/block_size) -
// len(block_table).
func (s *Sequence) NumBlocksNeeded(blockSize int) int {
	need := (s.Len() + 1 + blockSize - 1) / blockSize
	have := len(s.BlockTable)
	if need <= have {
		return 0
	}
	return need - have
}

// NumBlocksForLen returns how many blocks are needed to hold n tokens,
// used by the Batch Builder to size a fresh prefill admission up front.
func NumBlocksForLen(n, blockSize int) int {
	return (n + blockSize - 1) / blockSize
}

// Block returns the token ids belonging to the i-th logical block.
func (s *Sequence) Block(i, blockSize int) []int {
	start := i * blockSize
	end := start + blockSize
	if start >= len(s.TokenIDs) {
		return nil
	}
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a sampled token and its log-probability. Panics if
// the Sequence is already terminal — per spec §3, no further tokens may
// be appended once FinishReason is set.
func (s *Sequence) AppendToken(tokenID int, logprob float64) {
	if s.IsFinished() {
		panic("sequence: append_token called on a finished sequence")
	}
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LogProbs = append(s.LogProbs, logprob)
	s.CumulativeLogprob += logprob
}

// LengthNormalizedLogprob is the best_of ranking metric spec.md §4.3
// picks: cumulative_logprob / tokens_generated.
func (s *Sequence) LengthNormalizedLogprob() float64 {
	n := s.NumCompletionTokens()
	if n == 0 {
		return s.CumulativeLogprob
	}
	return s.CumulativeLogprob / float64(n)
}

// CheckStop evaluates stop conditions in precedence order and, if one
// fires, sets and returns the new FinishReason. textDelta is the text the
// just-appended token decoded to (fed into the rolling stop-string
// window); pass "" if the caller has no incremental decoder. Must be
// called once per AppendToken, per spec §4.2.
//
// On every call it sets DeliveredDelta to the portion of textDelta safe
// to stream to a Sink, and, if a stop string matches, CompletionTextCutoff
// to the byte offset in the full completion text where delivery must stop
// (spec §8 scenario 2: the matched stop string itself is never delivered).
func (s *Sequence) CheckStop(eosTokenID int, textDelta string) FinishReason {
	if s.FinishReason != FinishNone {
		return s.FinishReason
	}

	matched, keep, cut := s.stop.feed(textDelta)
	s.DeliveredDelta = textDelta[:keep]
	if matched {
		s.CompletionTextCutoff = cut
		return s.setFinish(FinishStop)
	}
	if last := s.LastToken(); containsInt(s.SamplingParams.StopTokenIDs, last) {
		return s.setFinish(FinishStop)
	}
	if !s.SamplingParams.IgnoreEOS && eosTokenID >= 0 && s.LastToken() == eosTokenID {
		return s.setFinish(FinishStop)
	}
	if s.NumCompletionTokens() >= s.SamplingParams.MaxTokens {
		return s.setFinish(FinishLength)
	}
	return FinishNone
}

// MarkCancelled sets a terminal Cancelled reason. Cancelled outranks
// every other reason, so it wins even if a stop/length condition is
// discovered in the same scheduler step.
func (s *Sequence) MarkCancelled() { s.setFinish(FinishCancelled) }

// MarkError sets a terminal Error reason from an Engine Adapter failure.
func (s *Sequence) MarkError() { s.setFinish(FinishError) }

// setFinish applies reason only if it outranks whatever is already set,
// implementing the Cancelled > Error > Stop > Length precedence even if
// callers invoke these out of the "natural" order.
func (s *Sequence) setFinish(reason FinishReason) FinishReason {
	if precedence[reason] < precedence[s.FinishReason] {
		s.FinishReason = reason
	}
	return s.FinishReason
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
