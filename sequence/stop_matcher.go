package sequence

import "strings"

// stopMatcher is the rolling-window stop-string detector spec.md §3 calls
// stop_state. It keeps only as much trailing decoded text as the longest
// configured stop string could span, so checking cost stays bounded
// regardless of how long the sequence has run.
type stopMatcher struct {
	stops  []string
	window strings.Builder
	maxLen int
	fed    int // total bytes ever fed, unaffected by window trimming
}

func newStopMatcher(stops []string) *stopMatcher {
	maxLen := 0
	for _, s := range stops {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	return &stopMatcher{stops: stops, maxLen: maxLen}
}

// feed appends a decoded text delta to the window and reports whether any
// configured stop string now appears in it. When matched, keep is the
// number of leading bytes of delta that precede the match (the part of
// this delta that is still safe to deliver) and cut is the byte offset,
// into the full cumulative completion text fed across every call, at
// which the matched stop string begins. The stop string itself is never
// delivered.
func (m *stopMatcher) feed(delta string) (matched bool, keep int, cut int) {
	if len(m.stops) == 0 || delta == "" {
		return false, len(delta), -1
	}
	fedBefore := m.fed
	windowBefore := m.window.Len()
	m.fed += len(delta)
	m.window.WriteString(delta)
	text := m.window.String()

	best := -1
	for _, stop := range m.stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	if best >= 0 {
		// best is an offset into the window, which starts windowBefore
		// bytes into this delta's predecessor text. Translate to an
		// offset within delta, then to an absolute offset in the full
		// fed stream.
		deltaOffset := best - windowBefore
		if deltaOffset < 0 {
			deltaOffset = 0
		}
		if deltaOffset > len(delta) {
			deltaOffset = len(delta)
		}
		return true, deltaOffset, fedBefore - windowBefore + best
	}

	// Trim the window down to maxLen once it has grown well past it, so
	// memory use does not track the full generation length. Only done on
	// the no-match path: a match means the sequence is finishing, so the
	// window's position bookkeeping no longer needs to stay cheap.
	if m.maxLen > 0 && len(text) > m.maxLen*4 {
		trimmed := text[len(text)-m.maxLen:]
		m.window.Reset()
		m.window.WriteString(trimmed)
	}

	return false, len(delta), -1
}
