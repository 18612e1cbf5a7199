package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStopMatcherNoStopsNeverMatches(t *testing.T) {
	m := newStopMatcher(nil)
	matched, keep, cut := m.feed("anything")
	assert.False(t, matched)
	assert.Equal(t, len("anything"), keep)
	assert.Equal(t, -1, cut)
}

func TestStopMatcherMatchWithinSingleDelta(t *testing.T) {
	m := newStopMatcher([]string{"!"})
	matched, keep, cut := m.feed("there!world")
	assert.True(t, matched)
	assert.Equal(t, len("there"), keep)
	assert.Equal(t, len("there"), cut)
}

func TestStopMatcherMatchSpanningDeltas(t *testing.T) {
	m := newStopMatcher([]string{"!"})
	matched, keep, _ := m.feed("there")
	assert.False(t, matched)
	assert.Equal(t, len("there"), keep)

	matched, keep, cut := m.feed("!world")
	assert.True(t, matched)
	assert.Equal(t, 0, keep)
	assert.Equal(t, len("there"), cut)
}

func TestStopMatcherPicksEarliestOfMultipleStops(t *testing.T) {
	m := newStopMatcher([]string{"world", "!"})
	matched, keep, cut := m.feed("there!world")
	assert.True(t, matched)
	assert.Equal(t, len("there"), keep)
	assert.Equal(t, len("there"), cut)
}

func TestStopMatcherEmptyDeltaIsNoop(t *testing.T) {
	m := newStopMatcher([]string{"!"})
	matched, keep, cut := m.feed("")
	assert.False(t, matched)
	assert.Equal(t, 0, keep)
	assert.Equal(t, -1, cut)
}
