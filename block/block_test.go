package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndRelease(t *testing.T) {
	a := New(4, 16)
	require.Equal(t, 4, a.NumFree())

	ids, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 1, a.NumFree())
	for _, id := range ids {
		assert.Equal(t, 1, a.RefCount(id))
	}

	a.Release(ids)
	assert.Equal(t, 4, a.NumFree())
	for _, id := range ids {
		assert.Equal(t, 0, a.RefCount(id))
	}
}

func TestAllocateOutOfBlocks(t *testing.T) {
	a := New(2, 16)
	_, err := a.Allocate(3)
	assert.ErrorIs(t, err, ErrOutOfBlocks)
	assert.Equal(t, 2, a.NumFree(), "a failed allocate must not consume blocks")
}

func TestFork(t *testing.T) {
	a := New(4, 16)
	ids, err := a.Allocate(2)
	require.NoError(t, err)

	forked := a.Fork(ids)
	assert.Equal(t, ids, forked)
	for _, id := range ids {
		assert.Equal(t, 2, a.RefCount(id))
	}

	a.Release(ids)
	for _, id := range ids {
		assert.Equal(t, 1, a.RefCount(id), "one owner remains after a single release")
	}
	assert.Equal(t, 2, a.NumFree())

	a.Release(forked)
	assert.Equal(t, 4, a.NumFree())
}

func TestReleaseIdempotentOnEmpty(t *testing.T) {
	a := New(4, 16)
	assert.NotPanics(t, func() { a.Release(nil) })
}

func TestLIFOReuse(t *testing.T) {
	a := New(3, 16)
	ids, err := a.Allocate(3)
	require.NoError(t, err)
	a.Release([]int{ids[2]})
	a.Release([]int{ids[0]})

	// Most recently freed (ids[0]) should be handed back first.
	next, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, ids[0], next[0])
}

func TestClaimSpecific(t *testing.T) {
	a := New(4, 16)
	ids, err := a.Allocate(1)
	require.NoError(t, err)
	id := ids[0]
	a.Release(ids)
	assert.Equal(t, 4, a.NumFree())

	fresh := a.ClaimSpecific(id)
	assert.True(t, fresh)
	assert.Equal(t, 1, a.RefCount(id))
	assert.Equal(t, 3, a.NumFree())

	shared := a.ClaimSpecific(id)
	assert.False(t, shared)
	assert.Equal(t, 2, a.RefCount(id))
}

func TestPrefixCacheRoundTrip(t *testing.T) {
	pc := NewPrefixCache()
	tokens := []int{1, 2, 3, 4}
	h := pc.Hash(tokens, 0)

	_, ok := pc.Lookup(h, tokens)
	assert.False(t, ok, "nothing recorded yet")

	pc.Record(7, h, tokens)
	id, ok := pc.Lookup(h, tokens)
	require.True(t, ok)
	assert.Equal(t, 7, id)

	// A different token sequence must not collide.
	other := []int{1, 2, 3, 5}
	hOther := pc.Hash(other, 0)
	assert.NotEqual(t, h, hOther)
	_, ok = pc.Lookup(hOther, other)
	assert.False(t, ok)
}

func TestPrefixCacheChainedHash(t *testing.T) {
	pc := NewPrefixCache()
	block1 := []int{1, 2, 3}
	block2 := []int{4, 5, 6}

	h1 := pc.Hash(block1, 0)
	h2a := pc.Hash(block2, h1)
	h2b := pc.Hash(block2, 0)
	assert.NotEqual(t, h2a, h2b, "chaining the prefix hash must change the result")
}
