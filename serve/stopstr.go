// Stop-string detection over the decoded output stream. The handler may
// hold back a suffix of committed tokens whose decoded text could still
// extend into a stop phrase; held tokens are released once they can no
// longer complete a stop, or flushed when generation ends for another
// reason.

package serve

import "strings"

// StopStrHandler tracks the decoded tail of one generation branch and
// withholds tokens that might belong to a stop string.
type StopStrHandler struct {
	stops     []string
	tokenizer Tokenizer

	pending       []SampleResult // tokens not yet released
	pendingPieces []string       // decoded text per pending token
	stopTriggered bool
}

// NewStopStrHandler creates a handler for the given stop strings. With no
// stop strings the handler is a passthrough.
func NewStopStrHandler(stops []string, tokenizer Tokenizer) *StopStrHandler {
	return &StopStrHandler{
		stops:     stops,
		tokenizer: tokenizer,
	}
}

// Put feeds newly committed tokens through the handler and returns the
// releasable ones. Once a stop has triggered, Put releases nothing further.
func (h *StopStrHandler) Put(tokens []SampleResult) []SampleResult {
	if h.stopTriggered {
		return nil
	}
	if len(h.stops) == 0 {
		return tokens
	}

	for _, tok := range tokens {
		h.pending = append(h.pending, tok)
		h.pendingPieces = append(h.pendingPieces, h.tokenizer.Decode([]int32{tok.SampledTokenID.TokenID}))
	}

	text := strings.Join(h.pendingPieces, "")
	if idx := findStop(text, h.stops); idx >= 0 {
		h.stopTriggered = true
		return h.releaseBefore(idx)
	}

	// Hold back the trailing tokens whose text is still a viable stop prefix.
	hold := longestStopPrefixSuffix(text, h.stops)
	return h.releaseAllButTail(hold)
}

// StopTriggered reports whether a stop string was detected.
func (h *StopStrHandler) StopTriggered() bool {
	return h.stopTriggered
}

// Finish flushes all held-back tokens. Called when the branch terminates
// for a reason other than a stop string (length, EOS, cancel, error).
func (h *StopStrHandler) Finish() []SampleResult {
	released := h.pending
	h.pending = nil
	h.pendingPieces = nil
	return released
}

// releaseBefore releases pending tokens whose decoded text ends at or
// before byte offset idx; the rest (the stop string itself and anything
// after) is discarded.
func (h *StopStrHandler) releaseBefore(idx int) []SampleResult {
	var released []SampleResult
	pos := 0
	for i, piece := range h.pendingPieces {
		if pos+len(piece) > idx {
			break
		}
		released = append(released, h.pending[i])
		pos += len(piece)
	}
	h.pending = nil
	h.pendingPieces = nil
	return released
}

// releaseAllButTail releases pending tokens from the front until the
// decoded text of the remaining tokens is at most tailBytes long.
func (h *StopStrHandler) releaseAllButTail(tailBytes int) []SampleResult {
	remaining := 0
	for _, piece := range h.pendingPieces {
		remaining += len(piece)
	}

	var released []SampleResult
	n := 0
	for n < len(h.pending) && remaining-len(h.pendingPieces[n]) >= tailBytes {
		released = append(released, h.pending[n])
		remaining -= len(h.pendingPieces[n])
		n++
	}
	h.pending = h.pending[n:]
	h.pendingPieces = h.pendingPieces[n:]
	return released
}

// findStop returns the byte offset of the earliest stop string in text,
// or -1 if none occurs.
func findStop(text string, stops []string) int {
	idx := -1
	for _, stop := range stops {
		if i := strings.Index(text, stop); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	return idx
}

// longestStopPrefixSuffix returns the length in bytes of the longest suffix
// of text that is a proper prefix of any stop string.
func longestStopPrefixSuffix(text string, stops []string) int {
	longest := 0
	for _, stop := range stops {
		for i := min(len(stop)-1, len(text)); i > longest; i-- {
			if strings.HasSuffix(text, stop[:i]) {
				longest = i
				break
			}
		}
	}
	return longest
}
