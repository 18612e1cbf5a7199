// Package nanobatch is the continuous-batching request scheduler and
// paged KV-cache manager core: the Admission API (spec §6) wiring
// together the block, sequence, request, sampling, batch, scheduler,
// engine, and tokenizer packages into one process-wide entry point.
package nanobatch

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds spec §7 names.
type Kind int

const (
	// KindInvalidRequest is surfaced to the caller; the Request is
	// rejected at admission and never enters a pool.
	KindInvalidRequest Kind = iota
	// KindOutOfBlocks is internal: it triggers preemption and is never
	// surfaced to a caller.
	KindOutOfBlocks
	// KindEngineError is batch-wide: every Sequence in the failed batch
	// is marked with an error finish reason and its blocks released.
	KindEngineError
	// KindCancelled is user-initiated: clean release plus a final
	// cancelled event.
	KindCancelled
	// KindInternalError is an unexpected invariant violation: the
	// scheduler thread logs it, terminates, and marks all running
	// Requests error.
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindOutOfBlocks:
		return "out_of_blocks"
	case KindEngineError:
		return "engine_error"
	case KindCancelled:
		return "cancelled"
	case KindInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is nanobatch's typed error kind, wrapping an underlying cause.
// Propagation follows stdlib errors.Is/errors.As and fmt.Errorf("%w"),
// the teacher's own convention throughout llm_engine.go/config.go; no
// error-wrapping library appears anywhere in the retrieved pack.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError constructs an *Error of kind k wrapping err.
func newError(k Kind, err error) *Error { return &Error{Kind: k, Err: err} }

// InvalidRequest builds a KindInvalidRequest error for admission-time
// rejection.
func InvalidRequest(err error) *Error { return newError(KindInvalidRequest, err) }

// OutOfBlocks builds a KindOutOfBlocks error, the Batch Builder's
// internal starvation signal.
func OutOfBlocks(err error) *Error { return newError(KindOutOfBlocks, err) }

// EngineErr builds a KindEngineError error for a failed Engine Adapter
// call.
func EngineErr(err error) *Error { return newError(KindEngineError, err) }

// Cancelled builds a KindCancelled error for a user-initiated
// cancellation.
func Cancelled() *Error { return newError(KindCancelled, nil) }

// InternalErr builds a KindInternalError error for an invariant
// violation.
func InternalErr(err error) *Error { return newError(KindInternalError, err) }

// IsKind reports whether err wraps a nanobatch *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
