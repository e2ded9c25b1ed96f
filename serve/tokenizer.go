package serve

import (
	"strconv"
	"strings"
)

// Tokenizer is the read-only view of the tokenizer the core needs: decoding
// token ids to text for stop-string detection, and the EOS id set. Text/id
// conversion for request ingestion happens outside the core.
type Tokenizer interface {
	Decode(tokenIDs []int32) string
	EOSTokenIDs() []int32
}

// MapTokenizer is a table-driven Tokenizer: each id decodes to a fixed
// piece. Ids without a piece decode to "<id>". Enough for stop-string
// detection in scripted sessions and tests; production engines plug a real
// tokenizer behind the same interface.
type MapTokenizer struct {
	pieces map[int32]string
	eos    []int32
}

// NewMapTokenizer creates a tokenizer from an id-to-piece table and EOS ids.
func NewMapTokenizer(pieces map[int32]string, eos []int32) *MapTokenizer {
	return &MapTokenizer{pieces: pieces, eos: eos}
}

func (t *MapTokenizer) Decode(tokenIDs []int32) string {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if piece, ok := t.pieces[id]; ok {
			sb.WriteString(piece)
			continue
		}
		sb.WriteString("<")
		sb.WriteString(strconv.Itoa(int(id)))
		sb.WriteString(">")
	}
	return sb.String()
}

func (t *MapTokenizer) EOSTokenIDs() []int32 {
	return t.eos
}

// IsEOSToken reports whether token is one of the tokenizer's EOS ids.
func IsEOSToken(tokenizer Tokenizer, token int32) bool {
	for _, eos := range tokenizer.EOSTokenIDs() {
		if token == eos {
			return true
		}
	}
	return false
}
