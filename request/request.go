// Package request groups sibling Sequences that share one prompt (for
// n/best_of) into a Request, and fans their token output back through a
// caller-supplied sink (spec §4.3).
package request

import (
	"time"

	"github.com/google/uuid"

	"nanobatch/sequence"
)

// Priority is the three-level admission/preemption priority spec §4.6
// names, grounded on original_source/chat_handler.cpp's priority enum on
// the wire.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Status is the Request-level state machine (spec §4.3).
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPreempted
	StatusFinished
	StatusCancelled
)

// Sink receives OutputEvents for one Request. A false return signals
// back-pressure and cancels the Request (spec §4.3, §5).
type Sink func(OutputEvent) bool

// Request is a group of sibling Sequences sharing one prompt, owned by
// the Scheduler. Sequences never hold a pointer back to their Request —
// see sequence.Sequence's doc and spec §9's cyclic-ownership note.
type Request struct {
	ID          string
	Priority    Priority
	ArrivalTime time.Time
	Stream      bool
	Sequences   []*sequence.Sequence
	Status      Status

	sink      Sink
	cancelled bool // atomic-ish: only ever set/read on the scheduler thread
	skips     int  // consecutive Batch Builder skips, for priority escalation (spec §4.5, K=8)

	announced map[int]bool // sequence.Index -> first delta already sent
}

// New creates a pending Request with n freshly constructed Sequences
// sharing promptTokenIDs. If bestOf > n, bestOf Sequences are created (all
// run; the top n by length-normalized cumulative logprob are kept at
// completion, per spec §4.3).
func New(promptTokenIDs []int, sp *sequence.SamplingParams, priority Priority, stream bool, sink Sink, now time.Time) *Request {
	count := sp.BestOf
	if count < sp.N {
		count = sp.N
	}
	seqs := make([]*sequence.Sequence, count)
	for i := 0; i < count; i++ {
		seqs[i] = sequence.New(promptTokenIDs, sp, i)
	}
	return &Request{
		ID:          "req-" + uuid.NewString(),
		Priority:    priority,
		ArrivalTime: now,
		Stream:      stream,
		Sequences:   seqs,
		Status:      StatusPending,
		sink:        sink,
		announced:   make(map[int]bool),
	}
}

// IsBestOf reports whether ranking is required at completion (best_of > n
// of the originally requested sampling params).
func (r *Request) IsBestOf() bool { return len(r.Sequences) > r.N() }

// N returns the number of choices ultimately delivered to the caller.
// All Sequences share the same SamplingParams, so N is read off any one
// of them.
func (r *Request) N() int {
	if len(r.Sequences) == 0 {
		return 0
	}
	return r.Sequences[0].SamplingParams.N
}

// IsFinished reports the Request-level invariant from spec §3: a Request
// is finished iff every Sequence has a finish_reason.
func (r *Request) IsFinished() bool {
	for _, s := range r.Sequences {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

// Cancel marks every Sequence (and the Request itself) cancelled. Called
// from the Scheduler's step loop, never concurrently with itself (spec
// §5's single step thread discipline).
func (r *Request) Cancel() {
	r.cancelled = true
	r.Status = StatusCancelled
	for _, s := range r.Sequences {
		if !s.IsFinished() {
			s.MarkCancelled()
		}
	}
}

// IsCancelled reports whether Cancel has been called.
func (r *Request) IsCancelled() bool { return r.cancelled }

// RecordSkip increments the Batch Builder's starvation counter for this
// Request and reports whether it has now hit the escalation threshold K
// (spec §4.5). Calling ResetSkips clears it once the Request is admitted.
func (r *Request) RecordSkip(k int) (escalate bool) {
	r.skips++
	return r.skips >= k
}

// ResetSkips clears the starvation counter, e.g. once admitted or
// escalated a priority level.
func (r *Request) ResetSkips() { r.skips = 0 }

// Escalate promotes the Request by one priority level, capped at High
// (spec §4.6's starvation guard and §4.5's skip-escalation both use
// this).
func (r *Request) Escalate() {
	if r.Priority < PriorityHigh {
		r.Priority++
	}
	r.ResetSkips()
}
