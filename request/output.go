package request

import (
	"sort"

	"nanobatch/sequence"
)

// EventKind discriminates the OutputEvent variants spec §4.3 describes.
type EventKind int

const (
	// EventAnnounce is the first delta for a sequence: empty text, just
	// announcing the sequence exists (spec §4.3).
	EventAnnounce EventKind = iota
	// EventDelta carries an incremental decoded text fragment and,
	// optionally, the finish reason if this token finished the sequence.
	EventDelta
	// EventFinal is delivered exactly once per Request, when every
	// Sequence has a finish_reason (spec §3's Request.finished invariant).
	EventFinal
)

// Choice is one selected Sequence's contribution to a Final event.
type Choice struct {
	Index        int
	Text         string
	FinishReason sequence.FinishReason
}

// Usage is the token accounting carried on the Final event of an
// admitted Request. The Final event that rejects a submission carries
// no Usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// OutputEvent is the explicit value type spec §9 calls for in place of
// async per-sequence completion callbacks: an immutable value enqueued to
// a per-Request output queue, never a closure.
type OutputEvent struct {
	RequestID     string
	Kind          EventKind
	SequenceIndex int
	Text          string
	FinishReason  sequence.FinishReason
	Choices       []Choice
	Usage         *Usage
}

// DeliverDelta sends one streaming Delta (or the sequence's opening
// Announce) to the sink. Returns false if the sink signalled
// back-pressure, in which case the caller must cancel the Request (spec
// §4.3, §5).
func (r *Request) DeliverDelta(seqIndex int, text string, finish sequence.FinishReason) bool {
	if !r.announced[seqIndex] {
		r.announced[seqIndex] = true
		if !r.sink(OutputEvent{RequestID: r.ID, Kind: EventAnnounce, SequenceIndex: seqIndex}) {
			return false
		}
	}
	if text == "" && finish == sequence.FinishNone {
		return true
	}
	return r.sink(OutputEvent{
		RequestID:     r.ID,
		Kind:          EventDelta,
		SequenceIndex: seqIndex,
		Text:          text,
		FinishReason:  finish,
	})
}

// BestOfWinners returns the Sequences that should be delivered to the
// caller: all of them if best_of == n, otherwise the top-n by
// length-normalized cumulative logprob (spec §4.3's open-question
// resolution — see SPEC_FULL.md/DESIGN.md). Requires every Sequence to be
// finished.
func (r *Request) BestOfWinners() []*sequence.Sequence {
	n := r.N()
	if len(r.Sequences) <= n {
		return r.Sequences
	}
	ranked := make([]*sequence.Sequence, len(r.Sequences))
	copy(ranked, r.Sequences)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].LengthNormalizedLogprob() > ranked[j].LengthNormalizedLogprob()
	})
	return ranked[:n]
}

// DeliverFinal sends the single terminal event for this Request. texts
// maps a winning Sequence's Index to its fully decoded completion text
// (the caller — the Scheduler, via the Tokenizer — is responsible for
// decoding; this package never touches token ids directly). Returns the
// sink's back-pressure signal.
func (r *Request) DeliverFinal(texts map[int]string) bool {
	winners := r.BestOfWinners()
	choices := make([]Choice, len(winners))
	promptTokens := 0
	completionTokens := 0
	for i, s := range winners {
		choices[i] = Choice{
			Index:        s.Index,
			Text:         texts[s.Index],
			FinishReason: s.FinishReason,
		}
		completionTokens += s.NumCompletionTokens()
	}
	if len(winners) > 0 {
		promptTokens = winners[0].NumPromptTokens
	}
	r.Status = StatusFinished
	return r.sink(OutputEvent{
		RequestID: r.ID,
		Kind:      EventFinal,
		Choices:   choices,
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}
