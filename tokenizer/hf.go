package tokenizer

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HF wraps a daulet/tokenizers (HuggingFace tokenizers Rust binding)
// instance, the concrete Tokenizer implementation SPEC_FULL.md's domain
// stack calls for. Grounded on the teacher's go.mod dependency and
// other_examples' zetxqx-llm-d-kv-cache-manager indexer.go, which
// references the same package's Offset type; the binding's own Encode/
// Decode surface is used directly since no example repo exercises more
// of it than the type reference.
type HF struct {
	tk         *tokenizers.Tokenizer
	eosTokenID int
}

// NewHF loads a tokenizer.json from path.
func NewHF(path string, eosTokenID int) (*HF, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %s: %w", path, err)
	}
	return &HF{tk: tk, eosTokenID: eosTokenID}, nil
}

func (h *HF) Encode(text string) ([]int, error) {
	ids, _ := h.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (h *HF) Decode(tokenIDs []int, skipSpecial bool) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return h.tk.Decode(ids, skipSpecial), nil
}

func (h *HF) EOSTokenID() int { return h.eosTokenID }

func (h *HF) NewStreamDecoder(skipSpecial bool) Decoder {
	return &hfDecoder{h: h, skipSpecial: skipSpecial}
}

func (h *HF) Close() error {
	h.tk.Close()
	return nil
}

// hfDecoder accumulates every token pushed so far, re-decodes all of
// them on each Push, and emits only the bytes past what it has already
// emitted, since HF tokenizers can emit partial UTF-8 sequences for a
// single token (spec §6's stated reason for requiring an incremental
// decoder at all).
type hfDecoder struct {
	h           *HF
	skipSpecial bool
	seen        []int
	emitted     int
}

func (d *hfDecoder) Push(tokenID int) (string, bool) {
	d.seen = append(d.seen, tokenID)
	full, err := d.h.Decode(d.seen, d.skipSpecial)
	if err != nil || len(full) <= d.emitted {
		return "", false
	}
	delta := full[d.emitted:]
	d.emitted = len(full)
	return delta, true
}
