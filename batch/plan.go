// Package batch selects, each scheduler step, the runnable set of
// Sequences and assembles the dense tensors the Engine Adapter needs
// (spec §4.5).
package batch

import (
	"nanobatch/request"
	"nanobatch/sequence"
)

// Entry is one Sequence's contribution to a BatchPlan.
type Entry struct {
	Seq       *sequence.Sequence
	Req       *request.Request
	IsPrefill bool
	NumTokens int // tokens this sequence contributes this step
}

// Plan is the transient, per-step BatchPlan spec §3/§4.5 describes: the
// dense tensors the Engine Adapter consumes plus the ordered Sequence
// list that produced them. Prefill entries always precede decode entries
// (spec §3's BatchPlan invariant), even though the Builder selects
// decodes first internally.
type Plan struct {
	Entries []Entry

	TokenIDs          []int
	Positions         []int
	CuSeqLens         []int // cumulative prefill lengths, len == numPrefill+1
	SlotIDs           []int // absolute KV slot per token in TokenIDs
	BlockTables       [][]int
	LastTokenIndices  []int // row in TokenIDs (and in the resulting logits) to sample from, per entry
	NumPrefillEntries int
}

// TotalTokens returns len(TokenIDs), the batch's total token count —
// bounded by T_max per spec §3.
func (p *Plan) TotalTokens() int { return len(p.TokenIDs) }
