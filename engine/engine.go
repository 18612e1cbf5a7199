// Package engine is the thin bridge from a BatchPlan to the model's
// forward call and back to per-sequence logits (spec §4.7/C7), a
// generalization of the teacher's ModelRunner from a
// []*Sequence/isPrefill pair to the Batch Builder's dense Plan.
package engine

import (
	"context"
	"fmt"

	"nanobatch/batch"
)

// Adapter is the C7 contract: Execute must be synchronous from the
// Scheduler's perspective (it may launch async device work internally
// but only returns once logits are host-visible), plus the two one-time
// calls spec §6 names.
type Adapter interface {
	Execute(ctx context.Context, plan *batch.Plan) ([][]float64, error)
	WarmUp(ctx context.Context, maxTokens int) error
	KVCacheCapacityBytes() uint64
	Close() error
}

// Error wraps a forward-pass failure as spec §7's EngineError kind. The
// Scheduler fails the whole batch on any error from Execute and never
// inspects Err.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("engine: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }
