package engine

import (
	"context"

	"nanobatch/batch"
)

// Mock is a deterministic stand-in Engine Adapter, generalizing the
// teacher's MockModelRunner from a flat []*Sequence to plan.Entries: it
// produces a logits row per entry, peaked at a token id derived from the
// sequence's id and length so tests get reproducible, distinct next-token
// distributions without a real model.
type Mock struct {
	Vocab int
}

// NewMock creates a Mock Engine Adapter with the given vocabulary size.
func NewMock(vocab int) *Mock {
	if vocab <= 0 {
		vocab = 32000
	}
	return &Mock{Vocab: vocab}
}

func (m *Mock) Execute(ctx context.Context, plan *batch.Plan) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([][]float64, len(plan.Entries))
	for i, e := range plan.Entries {
		row := make([]float64, m.Vocab)
		peak := int((e.Seq.ID + int64(e.Seq.Len())) % int64(m.Vocab))
		for j := range row {
			row[j] = -10.0
		}
		row[peak] = 10.0
		rows[i] = row
	}
	return rows, nil
}

func (m *Mock) WarmUp(ctx context.Context, maxTokens int) error { return nil }

func (m *Mock) KVCacheCapacityBytes() uint64 { return 0 }

func (m *Mock) Close() error { return nil }
