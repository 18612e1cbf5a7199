// Package block owns the fixed pool of fixed-size KV-cache blocks that
// every Sequence's logical-to-physical attention map is built from.
package block

import "fmt"

// ErrOutOfBlocks is returned by Allocate when fewer than the requested
// count of blocks are free. It is an internal signal — per spec it never
// surfaces to a caller of the Admission API; the Scheduler catches it and
// triggers preemption.
var ErrOutOfBlocks = fmt.Errorf("block: out of blocks")

// Allocator owns a fixed pool of N blocks, each identified by a dense id
// in [0, N). It is not safe for concurrent use — the Scheduler's single
// step thread is the only caller (spec §5).
type Allocator struct {
	blockSize int
	refCounts []int
	free      []int // LIFO stack: free[len-1] is popped next
	onFree    []int // index into free, or -1 if not currently free; used for O(1) ClaimSpecific
}

// New creates an Allocator over numBlocks blocks of blockSize tokens each.
func New(numBlocks, blockSize int) *Allocator {
	a := &Allocator{
		blockSize: blockSize,
		refCounts: make([]int, numBlocks),
		free:      make([]int, numBlocks),
		onFree:    make([]int, numBlocks),
	}
	for i := 0; i < numBlocks; i++ {
		a.free[i] = i
		a.onFree[i] = i
	}
	return a
}

// BlockSize returns the configured number of tokens per block.
func (a *Allocator) BlockSize() int { return a.blockSize }

// NumTotal returns the total number of blocks in the pool.
func (a *Allocator) NumTotal() int { return len(a.refCounts) }

// NumFree returns the number of currently free blocks.
func (a *Allocator) NumFree() int { return len(a.free) }

// Allocate returns count fresh block ids, each with ref_count 1. It fails
// with ErrOutOfBlocks if fewer than count blocks are free; in that case no
// blocks are consumed (the operation is all-or-nothing).
func (a *Allocator) Allocate(count int) ([]int, error) {
	if count == 0 {
		return nil, nil
	}
	if len(a.free) < count {
		return nil, ErrOutOfBlocks
	}
	ids := make([]int, count)
	for i := 0; i < count; i++ {
		ids[i] = a.popFree()
		a.refCounts[ids[i]] = 1
	}
	return ids, nil
}

// Fork returns a handle list that shares every block in srcBlocks by
// incrementing each one's ref_count. Used when a Request spawns sibling
// Sequences from a shared prompt prefix (copy-on-write, spec §4.1).
func (a *Allocator) Fork(srcBlocks []int) []int {
	out := make([]int, len(srcBlocks))
	for i, id := range srcBlocks {
		a.refCounts[id]++
		out[i] = id
	}
	return out
}

// Release decrements the ref_count of every block in blocks; any block
// reaching zero is returned to the free list. Idempotent on empty input.
func (a *Allocator) Release(blocks []int) {
	for _, id := range blocks {
		a.refCounts[id]--
		if a.refCounts[id] < 0 {
			panic("block: release of a block with ref_count already zero")
		}
		if a.refCounts[id] == 0 {
			a.pushFree(id)
		}
	}
}

// RefCount reports the current ref_count of a block id, for invariant
// checks in tests and the preemption path.
func (a *Allocator) RefCount(id int) int { return a.refCounts[id] }

// ClaimSpecific is the prefix-cache fast path: it pulls block id out of
// the free list (if it is currently free) and gives it ref_count 1, or —
// if the block is already in use by another sequence sharing the same
// cached content — bumps its ref_count instead. Returns true if the block
// had to be claimed fresh from the free list (a physical allocation),
// false if it was shared with an already-resident block.
func (a *Allocator) ClaimSpecific(id int) (claimedFresh bool) {
	if a.refCounts[id] == 0 {
		a.removeFree(id)
		a.refCounts[id] = 1
		return true
	}
	a.refCounts[id]++
	return false
}

func (a *Allocator) popFree() int {
	n := len(a.free) - 1
	id := a.free[n]
	a.free = a.free[:n]
	a.onFree[id] = -1
	return id
}

func (a *Allocator) pushFree(id int) {
	a.onFree[id] = len(a.free)
	a.free = append(a.free, id)
}

func (a *Allocator) removeFree(id int) {
	pos := a.onFree[id]
	if pos < 0 {
		panic("block: removeFree called on a block that is not free")
	}
	last := len(a.free) - 1
	moved := a.free[last]
	a.free[pos] = moved
	a.onFree[moved] = pos
	a.free = a.free[:last]
	a.onFree[id] = -1
}
