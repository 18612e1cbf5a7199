package batch

import (
	"nanobatch/block"
	"nanobatch/request"
	"nanobatch/sequence"
)

// Item pairs a Sequence with its owning Request, the unit the Scheduler's
// pools move around.
type Item struct {
	Seq *sequence.Sequence
	Req *request.Request
}

// Queue is the minimal FIFO the Scheduler's pools must support for the
// Builder to run its selection algorithm directly against them (rather
// than a snapshot copy, so a mid-pass preemption is immediately visible).
// Defined here, on the consumer side, per Go convention; the Scheduler's
// pool type implements it structurally.
type Queue interface {
	Len() int
	Peek() (Item, bool)
	PopFront() (Item, bool)
	PushFront(Item)
	PushBack(Item)
}

// skipEscalateThreshold is K from spec §4.5: a waiting Request that has
// been skipped by the prefill pass this many consecutive times has its
// priority escalated so it cannot starve forever behind a stream of
// smaller admissions.
const skipEscalateThreshold = 8

// Result is what one Build call produced.
type Result struct {
	Plan     *Plan
	Progress bool
	// StarvedHead is the waiting item the prefill pass broke on because
	// it did not fit the remaining token or block budget, if any. The
	// Scheduler applies RecordSkip/Escalate to it and may re-file it into
	// a higher-priority queue.
	StarvedHead *Item
}

// Build runs the decode-then-prefill selection algorithm (spec §4.5)
// directly against the Scheduler's live queues. waitingByPriority must be
// indexed by request.Priority (Low=0..High=2); Build visits High before
// Normal before Low. preemptOne is the Scheduler's preempt-one hook: it
// evicts one running Sequence by its own policy (lowest priority, then
// youngest arrival) and reports whether it freed any blocks.
func Build(
	alloc *block.Allocator,
	cache *block.PrefixCache,
	running Queue,
	waitingByPriority [3]Queue,
	tMax, maxSeqs int,
	preemptOne func() bool,
) Result {
	plan := &Plan{CuSeqLens: []int{0}}
	blockSize := alloc.BlockSize()

	decodeItems := decodePass(alloc, running, maxSeqs, preemptOne)
	tokensUsed := len(decodeItems)

	prefillItems, starved := prefillPass(alloc, cache, waitingByPriority, tMax, maxSeqs, tokensUsed, len(decodeItems))

	for _, it := range prefillItems {
		start := it.Seq.NumCachedTokens
		end := it.Seq.Len()
		n := end - start
		plan.Entries = append(plan.Entries, Entry{Seq: it.Seq, Req: it.Req, IsPrefill: true, NumTokens: n})
		for pos := start; pos < end; pos++ {
			plan.TokenIDs = append(plan.TokenIDs, it.Seq.TokenIDs[pos])
			plan.Positions = append(plan.Positions, pos)
		}
		plan.SlotIDs = append(plan.SlotIDs, SlotIDsFor(it.Seq, blockSize, start, end)...)
		plan.CuSeqLens = append(plan.CuSeqLens, len(plan.TokenIDs))
		plan.LastTokenIndices = append(plan.LastTokenIndices, len(plan.TokenIDs)-1)
	}
	plan.NumPrefillEntries = len(plan.Entries)

	for _, it := range decodeItems {
		pos := it.Seq.Len()
		plan.Entries = append(plan.Entries, Entry{Seq: it.Seq, Req: it.Req, IsPrefill: false, NumTokens: 1})
		plan.TokenIDs = append(plan.TokenIDs, it.Seq.LastToken())
		plan.Positions = append(plan.Positions, pos)
		plan.SlotIDs = append(plan.SlotIDs, SlotIDsFor(it.Seq, blockSize, pos, pos+1)...)
		table := make([]int, len(it.Seq.BlockTable))
		copy(table, it.Seq.BlockTable)
		plan.BlockTables = append(plan.BlockTables, table)
		plan.LastTokenIndices = append(plan.LastTokenIndices, len(plan.TokenIDs)-1)
	}

	progress := len(plan.Entries) > 0
	return Result{Plan: plan, Progress: progress, StarvedHead: starved}
}

// decodePass visits each Sequence currently in running exactly once (spec
// §4.5's FIFO iteration), up to maxSeqs. Visited items are held in
// selected rather than pushed back mid-pass — otherwise running.Len()
// never drops and popping+pushing the same lone Sequence over and over
// would select it maxSeqs times in a single pass. Items are pushed back
// to the tail of running as a batch once the pass completes, preserving
// the queue's round-robin order for the next step.
func decodePass(alloc *block.Allocator, running Queue, maxSeqs int, preemptOne func() bool) []Item {
	visits := running.Len()
	if visits > maxSeqs {
		visits = maxSeqs
	}
	var selected []Item
	for i := 0; i < visits; i++ {
		item, ok := running.PopFront()
		if !ok {
			break
		}
		need := item.Seq.NumBlocksNeeded(alloc.BlockSize())
		for need > alloc.NumFree() {
			if !preemptOne() {
				running.PushFront(item)
				requeue(running, selected)
				return selected
			}
		}
		if need > 0 {
			if err := AcquireForAppend(alloc, item.Seq); err != nil {
				running.PushFront(item)
				requeue(running, selected)
				return selected
			}
		}
		selected = append(selected, item)
	}
	requeue(running, selected)
	return selected
}

// requeue pushes every already-visited item back onto the tail of
// running, in the order they were visited.
func requeue(running Queue, selected []Item) {
	for _, it := range selected {
		running.PushBack(it)
	}
}

func prefillPass(alloc *block.Allocator, cache *block.PrefixCache, waitingByPriority [3]Queue, tMax, maxSeqs, tokensUsed, seqsUsed int) ([]Item, *Item) {
	var selected []Item
	for level := 2; level >= 0; level-- {
		q := waitingByPriority[level]
		if q == nil {
			continue
		}
		for q.Len() > 0 {
			if seqsUsed+len(selected) >= maxSeqs {
				return selected, nil
			}
			head, ok := q.Peek()
			if !ok {
				break
			}
			promptLen := head.Seq.Len()
			blocksNeeded := sequence.NumBlocksForLen(promptLen, alloc.BlockSize())
			if tokensUsed+promptLen > tMax || blocksNeeded > alloc.NumFree() {
				starved := head
				return selected, &starved
			}
			item, _ := q.PopFront()
			if err := AcquireInitial(alloc, cache, item.Seq); err != nil {
				// Should not happen given the CanAcquireInitial-equivalent
				// check above, but fail safe by putting it back and
				// stopping this level rather than losing the request.
				q.PushFront(item)
				starved := item
				return selected, &starved
			}
			item.Req.ResetSkips()
			tokensUsed += promptLen
			selected = append(selected, item)
		}
	}
	return selected, nil
}
