// The per-request generation state tree. A request with n parallel
// completions is a small tree of state entries: a root holding the shared
// prompt prefix and, when n > 1, one child per generation branch. Entries
// are stored in topological order with the root at index 0; parent/child
// links are indices into the same slice, so the tree is trivially
// cycle-free.

package serve

import (
	"fmt"
	"time"
)

// RequestStateStatus is the lifecycle state of one entry.
type RequestStateStatus int

const (
	// StatusPending: not resident in any KV cache (waiting or preempted).
	StatusPending RequestStateStatus = iota
	// StatusAlive: resident and being prefilled or decoded.
	StatusAlive
	// StatusFinished: generation done, resources released.
	StatusFinished
)

func (s RequestStateStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAlive:
		return "alive"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RequestModelState is the state of one request entry on one model. The
// engine may run several models per request (speculative decoding), and the
// generated tokens are isolated per model.
type RequestModelState struct {
	Request *Request
	ModelID int

	// InternalID is the KV-cache sequence id of this state, or -1 when the
	// entry is not resident anywhere.
	InternalID int64

	// CommittedTokens are sampled tokens that will never be revised.
	// Append-only during the life of a sequence; rebuilt into Inputs at
	// preemption.
	CommittedTokens []SampleResult

	// Inputs are the input blocks still to be prefilled.
	Inputs []Data

	// PrefilledInputs are blocks already prefilled but not yet announced to
	// the prefix cache.
	PrefilledInputs []Data

	// CachedCommittedTokens is the high-watermark of committed tokens
	// already pushed into the prefix cache. Invariant: at most
	// len(CommittedTokens)-1, because the final committed token is not in
	// the KV cache yet.
	CachedCommittedTokens int64

	// NumPrefilledTokens counts positions already prefilled from Inputs.
	// Reset to 0 on preemption.
	NumPrefilledTokens int64

	// Speculative-decoding scratch, produced by the draft model.
	DraftOutputTokens []SampleResult
	DraftTokenSlots   []int

	// AppearedTokenIDs counts occurrences of committed and draft tokens,
	// consumed by the logit processor for repetition penalties.
	AppearedTokenIDs map[int32]int32

	// GrammarMatcher is non-nil for grammar-guided generation; advanced on
	// every commit.
	GrammarMatcher GrammarMatcher
}

// NewRequestModelState creates the state of one entry on one model.
func NewRequestModelState(request *Request, modelID int, internalID int64, inputs []Data, grammar GrammarMatcher) *RequestModelState {
	return &RequestModelState{
		Request:          request,
		ModelID:          modelID,
		InternalID:       internalID,
		Inputs:           inputs,
		AppearedTokenIDs: make(map[int32]int32),
		GrammarMatcher:   grammar,
	}
}

// GetInputLength returns the total remaining input length in positions.
func (m *RequestModelState) GetInputLength() int64 {
	return DataLength(m.Inputs)
}

// RequireNextTokenBitmask reports whether grammar-guided generation is on.
func (m *RequestModelState) RequireNextTokenBitmask() bool {
	return m.GrammarMatcher != nil
}

// CommitToken appends a sampled token to CommittedTokens, updates the
// appeared-token histogram, and advances the grammar matcher.
func (m *RequestModelState) CommitToken(sampled SampleResult) {
	m.CommittedTokens = append(m.CommittedTokens, sampled)
	m.AppearedTokenIDs[sampled.SampledTokenID.TokenID]++
	if m.GrammarMatcher != nil {
		if ok := m.GrammarMatcher.AcceptToken(sampled.SampledTokenID.TokenID); !ok {
			panic(fmt.Sprintf("CommitToken: token %d rejected by grammar for request %s",
				sampled.SampledTokenID.TokenID, m.Request.ID))
		}
	}
}

// AddDraftToken appends a draft token and records its workspace slot.
func (m *RequestModelState) AddDraftToken(sampled SampleResult, slot int) {
	m.DraftOutputTokens = append(m.DraftOutputTokens, sampled)
	m.DraftTokenSlots = append(m.DraftTokenSlots, slot)
	m.AppearedTokenIDs[sampled.SampledTokenID.TokenID]++
}

// RemoveAllDraftTokens clears the draft scratch and returns the workspace
// slots to free. The appeared-token histogram is rolled back so penalties
// stay consistent with committed tokens only.
func (m *RequestModelState) RemoveAllDraftTokens() []int {
	for _, draft := range m.DraftOutputTokens {
		token := draft.SampledTokenID.TokenID
		m.AppearedTokenIDs[token]--
		if m.AppearedTokenIDs[token] <= 0 {
			delete(m.AppearedTokenIDs, token)
		}
	}
	slots := m.DraftTokenSlots
	m.DraftOutputTokens = nil
	m.DraftTokenSlots = nil
	return slots
}

// CommittedTokenIDs returns the ids of all committed tokens.
func (m *RequestModelState) CommittedTokenIDs() []int32 {
	ids := make([]int32, len(m.CommittedTokens))
	for i, tok := range m.CommittedTokens {
		ids[i] = tok.SampledTokenID.TokenID
	}
	return ids
}

// RequestStateEntry is one node in a request's generation tree: a single
// generation branch, or the shared prompt prefix when n > 1.
type RequestStateEntry struct {
	Status  RequestStateStatus
	Request *Request

	// ParentIdx is the index of the parent entry, -1 for the root.
	ParentIdx int
	// ChildIndices are the indices of the child entries.
	ChildIndices []int
	// Branch is this entry's index within the request's tree (0 for the
	// root). It names the entry's RNG stream.
	Branch int

	// MStates holds this entry's state per model, index = model id.
	MStates []*RequestModelState

	RNG            *RandomGenerator
	StopStrHandler *StopStrHandler

	// NextCallbackTokenPos is the position in CommittedTokens where the
	// next stream-callback delta starts.
	NextCallbackTokenPos int

	// TAdd is when the request was added to the engine.
	TAdd time.Time
	// TPrefillFinish is when the prefill stage completed.
	TPrefillFinish time.Time
}

// NewRequestStateEntry creates one tree node with a model state per model.
// branch distinguishes sibling RNG streams; inputs seed mstates of the
// root (children inherit the prefix through sequence forking instead).
func NewRequestStateEntry(request *Request, numModels int, internalID int64, tokenizer Tokenizer, parentIdx int, branch int, grammarFactory GrammarFactory, now time.Time) *RequestStateEntry {
	mstates := make([]*RequestModelState, numModels)
	for modelID := 0; modelID < numModels; modelID++ {
		var inputs []Data
		if parentIdx == -1 {
			inputs = append(inputs, request.Inputs...)
		}
		var grammar GrammarMatcher
		if grammarFactory != nil {
			grammar = grammarFactory()
		}
		mstates[modelID] = NewRequestModelState(request, modelID, internalID, inputs, grammar)
	}
	return &RequestStateEntry{
		Status:         StatusPending,
		Request:        request,
		ParentIdx:      parentIdx,
		Branch:         branch,
		MStates:        mstates,
		RNG:            NewRandomGenerator(request.ID, request.GenerationCfg.Seed, branch),
		StopStrHandler: NewStopStrHandler(request.GenerationCfg.Stop, tokenizer),
		TAdd:           now,
	}
}

// GetReturnTokenIds drains the committed tokens beyond NextCallbackTokenPos
// through the stop-string handler and decides the finish reason.
// First matching rule wins:
//  1. "stop" if the stop handler detected a stop sequence;
//  2. "length" if the sequence reached maxSingleSequenceLength or the
//     request's max_tokens;
//  3. "stop" if an EOS token was committed and ignore_eos is false;
//  4. none otherwise.
func (e *RequestStateEntry) GetReturnTokenIds(tokenizer Tokenizer, maxSingleSequenceLength int64) DeltaRequestReturn {
	mstate := e.MStates[0]
	cfg := e.Request.GenerationCfg

	newTokens := mstate.CommittedTokens[e.NextCallbackTokenPos:]
	e.NextCallbackTokenPos = len(mstate.CommittedTokens)

	// EOS terminates the stream and is never delivered to the caller.
	sawEOS := false
	streamed := make([]SampleResult, 0, len(newTokens))
	for _, tok := range newTokens {
		if !cfg.IgnoreEOS && IsEOSToken(tokenizer, tok.SampledTokenID.TokenID) {
			sawEOS = true
			break
		}
		streamed = append(streamed, tok)
	}

	released := e.StopStrHandler.Put(streamed)

	finishReason := FinishReasonNone
	switch {
	case e.StopStrHandler.StopTriggered():
		finishReason = FinishReasonStop
	case int64(len(mstate.CommittedTokens))+mstate.NumPrefilledTokens >= maxSingleSequenceLength,
		len(mstate.CommittedTokens) >= cfg.MaxTokens:
		finishReason = FinishReasonLength
	case sawEOS:
		finishReason = FinishReasonStop
	}

	// A finish for any reason other than a detected stop string flushes
	// the tokens the handler was holding back.
	if finishReason.Defined() && !e.StopStrHandler.StopTriggered() {
		released = append(released, e.StopStrHandler.Finish()...)
	}

	ret := DeltaRequestReturn{FinishReason: finishReason}
	for _, tok := range released {
		ret.DeltaTokenIDs = append(ret.DeltaTokenIDs, tok.SampledTokenID.TokenID)
		ret.DeltaLogprobJSONStrs = append(ret.DeltaLogprobJSONStrs, tok.LogprobJSON())
	}
	return ret
}

// RequestState groups all state entries of one request in topological
// order, root at index 0.
type RequestState struct {
	Entries []*RequestStateEntry
}

// NewRequestState builds the generation tree for a request: a single entry
// when n == 1, otherwise a root prefix entry plus n children.
func NewRequestState(request *Request, numModels int, ids *IDManager, tokenizer Tokenizer, grammarFactory GrammarFactory, now time.Time) *RequestState {
	n := request.GenerationCfg.N
	if n == 1 {
		root := NewRequestStateEntry(request, numModels, ids.NewID(), tokenizer, -1, 0, grammarFactory, now)
		return &RequestState{Entries: []*RequestStateEntry{root}}
	}

	entries := make([]*RequestStateEntry, 0, n+1)
	root := NewRequestStateEntry(request, numModels, ids.NewID(), tokenizer, -1, 0, grammarFactory, now)
	entries = append(entries, root)
	for i := 1; i <= n; i++ {
		child := NewRequestStateEntry(request, numModels, ids.NewID(), tokenizer, 0, i, grammarFactory, now)
		root.ChildIndices = append(root.ChildIndices, i)
		entries = append(entries, child)
	}
	return &RequestState{Entries: entries}
}

// GenerationEntries returns the n entries that produce tokens: entry 0 when
// n == 1, entries 1..n otherwise.
func (rs *RequestState) GenerationEntries() []*RequestStateEntry {
	if rs.Entries[0].Request.GenerationCfg.N == 1 {
		return rs.Entries[:1]
	}
	return rs.Entries[1:]
}

// Root returns the root entry.
func (rs *RequestState) Root() *RequestStateEntry {
	return rs.Entries[0]
}
