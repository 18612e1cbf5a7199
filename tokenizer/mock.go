package tokenizer

// Mock is a deterministic byte-level tokenizer generalizing the teacher's
// MockTokenizer (character<->token_id via a fixed offset), extended with
// an incremental Decoder so streaming tests do not need a real model.
type Mock struct {
	eosTokenID int
}

// NewMock creates a Mock tokenizer whose EOS token id is eosTokenID.
func NewMock(eosTokenID int) *Mock {
	return &Mock{eosTokenID: eosTokenID}
}

func (t *Mock) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r)-32)
	}
	return tokens, nil
}

func (t *Mock) Decode(tokenIDs []int, skipSpecial bool) (string, error) {
	var out []rune
	for _, id := range tokenIDs {
		if skipSpecial && id == t.eosTokenID {
			continue
		}
		out = append(out, rune(id+32))
	}
	return string(out), nil
}

func (t *Mock) EOSTokenID() int { return t.eosTokenID }

func (t *Mock) NewStreamDecoder(skipSpecial bool) Decoder {
	return &mockDecoder{tok: t, skipSpecial: skipSpecial}
}

// mockDecoder decodes one token at a time; the mock encoding never
// produces partial characters, so every Push yields a complete delta.
type mockDecoder struct {
	tok         *Mock
	skipSpecial bool
}

func (d *mockDecoder) Push(tokenID int) (string, bool) {
	if d.skipSpecial && tokenID == d.tok.eosTokenID {
		return "", false
	}
	return string(rune(tokenID + 32)), true
}
