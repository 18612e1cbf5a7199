package batch

import (
	"nanobatch/block"
	"nanobatch/sequence"
)

// CanAcquireInitial reports whether enough free blocks exist to admit
// seq's full prompt up front, conservatively ignoring any prefix-cache
// hit it might get (mirrors the teacher's BlockManager.CanAllocate).
func CanAcquireInitial(a *block.Allocator, seq *sequence.Sequence) bool {
	need := sequence.NumBlocksForLen(seq.Len(), a.BlockSize())
	return a.NumFree() >= need
}

// AcquireInitial allocates (or reuses, via the prefix cache) every block
// seq's current tokens need, appending their ids to seq.BlockTable.
// Grounded on the teacher's BlockManager.Allocate: full blocks are
// content-hashed and looked up in the cache; a cache miss allocates a
// fresh block, and a cache hit reclaims the cached block (taking it off
// the free list if no other sequence holds it).
func AcquireInitial(a *block.Allocator, cache *block.PrefixCache, seq *sequence.Sequence) error {
	blockSize := a.BlockSize()
	numBlocks := sequence.NumBlocksForLen(seq.Len(), blockSize)
	var prefixHash uint64
	for i := 0; i < numBlocks; i++ {
		tokens := seq.Block(i, blockSize)
		full := len(tokens) == blockSize

		var h uint64
		if full {
			h = cache.Hash(tokens, prefixHash)
		}

		blockID := -1
		if full {
			if id, ok := cache.Lookup(h, tokens); ok {
				blockID = id
			}
		}

		if blockID == -1 {
			ids, err := a.Allocate(1)
			if err != nil {
				return err
			}
			blockID = ids[0]
		} else {
			a.ClaimSpecific(blockID)
			seq.NumCachedTokens += blockSize
		}

		if full {
			cache.Record(blockID, h, tokens)
			prefixHash = h
		} else {
			prefixHash = 0
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}
	return nil
}

// AcquireForAppend reserves the block(s) needed to admit one more token
// on an already-running Sequence (the Batch Builder's decode-pass
// reservation, spec §4.5). No prefix-cache lookup applies here: a
// partially filled block cannot content-match anything yet.
func AcquireForAppend(a *block.Allocator, seq *sequence.Sequence) error {
	need := seq.NumBlocksNeeded(a.BlockSize())
	if need == 0 {
		return nil
	}
	ids, err := a.Allocate(need)
	if err != nil {
		return err
	}
	seq.BlockTable = append(seq.BlockTable, ids...)
	return nil
}

// SlotIDsFor returns the absolute KV-cache slot for each position in
// [from, to) of seq's block table, i.e. blockID*blockSize + offset.
func SlotIDsFor(seq *sequence.Sequence, blockSize, from, to int) []int {
	slots := make([]int, 0, to-from)
	for pos := from; pos < to; pos++ {
		blockIdx := pos / blockSize
		offset := pos % blockSize
		slots = append(slots, seq.BlockTable[blockIdx]*blockSize+offset)
	}
	return slots
}
