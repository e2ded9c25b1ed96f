package serve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTreeTokenizer() Tokenizer {
	return NewMapTokenizer(nil, []int32{testEOS})
}

func commit(entry *RequestStateEntry, ids ...int32) {
	for _, id := range ids {
		for _, mstate := range entry.MStates {
			mstate.CommitToken(SampleResult{SampledTokenID: TokenProb{TokenID: id, Prob: 1}})
		}
	}
}

// TestNewRequestState_SingleEntry verifies the n == 1 tree shape: one
// entry serving as both prefix and generation.
func TestNewRequestState_SingleEntry(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 4}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1, 2}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())

	require.Len(t, rs.Entries, 1)
	root := rs.Root()
	assert.Equal(t, -1, root.ParentIdx)
	assert.Empty(t, root.ChildIndices)
	assert.Equal(t, StatusPending, root.Status)
	assert.Equal(t, int64(2), root.MStates[0].GetInputLength())
	assert.Equal(t, rs.Entries[:1], rs.GenerationEntries())
}

// TestNewRequestState_TreeForParallelGenerations verifies the n > 1 shape:
// root plus n children in topological order, children holding no inputs.
func TestNewRequestState_TreeForParallelGenerations(t *testing.T) {
	cfg := &GenerationConfig{N: 3, MaxTokens: 4}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1, 2}, cfg)
	rs := NewRequestState(req, 2, NewIDManager(), testTreeTokenizer(), nil, time.Now())

	require.Len(t, rs.Entries, 4)
	root := rs.Root()
	assert.Equal(t, []int{1, 2, 3}, root.ChildIndices)
	for i := 1; i <= 3; i++ {
		child := rs.Entries[i]
		assert.Equal(t, 0, child.ParentIdx)
		assert.Empty(t, child.MStates[0].Inputs, "children inherit the prefix by forking")
		require.Len(t, child.MStates, 2)
		// Entries never share internal ids.
		assert.NotEqual(t, root.MStates[0].InternalID, child.MStates[0].InternalID)
		// One id per entry, shared across that entry's models.
		assert.Equal(t, child.MStates[0].InternalID, child.MStates[1].InternalID)
	}
	assert.Len(t, rs.GenerationEntries(), 3)
}

// TestGetReturnTokenIds_DeltaAndAdvance verifies committed tokens stream
// once and the callback position advances.
func TestGetReturnTokenIds_DeltaAndAdvance(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 10}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())
	entry := rs.Root()

	commit(entry, 7, 8)
	ret := entry.GetReturnTokenIds(testTreeTokenizer(), 256)
	assert.Equal(t, []int32{7, 8}, ret.DeltaTokenIDs)
	assert.Len(t, ret.DeltaLogprobJSONStrs, 2)
	assert.Equal(t, FinishReasonNone, ret.FinishReason)

	// No new tokens: empty delta, still unfinished.
	ret = entry.GetReturnTokenIds(testTreeTokenizer(), 256)
	assert.Empty(t, ret.DeltaTokenIDs)
	assert.Equal(t, FinishReasonNone, ret.FinishReason)
}

// TestGetReturnTokenIds_FinishByMaxTokens verifies the "length" rule.
func TestGetReturnTokenIds_FinishByMaxTokens(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 2}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())
	entry := rs.Root()

	commit(entry, 7, 8)
	ret := entry.GetReturnTokenIds(testTreeTokenizer(), 256)
	assert.Equal(t, FinishReasonLength, ret.FinishReason)
	assert.Equal(t, []int32{7, 8}, ret.DeltaTokenIDs)
}

// TestGetReturnTokenIds_FinishByMaxSequenceLength verifies the global
// ceiling counts prefilled positions too.
func TestGetReturnTokenIds_FinishByMaxSequenceLength(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 100}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())
	entry := rs.Root()
	entry.MStates[0].NumPrefilledTokens = 6

	commit(entry, 7, 8)
	ret := entry.GetReturnTokenIds(testTreeTokenizer(), 8)
	assert.Equal(t, FinishReasonLength, ret.FinishReason)
}

// TestGetReturnTokenIds_FinishByEOS verifies EOS stops the stream without
// delivering the EOS token.
func TestGetReturnTokenIds_FinishByEOS(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 10}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())
	entry := rs.Root()

	commit(entry, 7, testEOS)
	ret := entry.GetReturnTokenIds(testTreeTokenizer(), 256)
	assert.Equal(t, FinishReasonStop, ret.FinishReason)
	assert.Equal(t, []int32{7}, ret.DeltaTokenIDs)
}

// TestGetReturnTokenIds_IgnoreEOS verifies ignore_eos suppresses the EOS
// finish and streams the token.
func TestGetReturnTokenIds_IgnoreEOS(t *testing.T) {
	cfg := &GenerationConfig{N: 1, MaxTokens: 10, IgnoreEOS: true}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), testTreeTokenizer(), nil, time.Now())
	entry := rs.Root()

	commit(entry, testEOS)
	ret := entry.GetReturnTokenIds(testTreeTokenizer(), 256)
	assert.Equal(t, FinishReasonNone, ret.FinishReason)
	assert.Equal(t, []int32{testEOS}, ret.DeltaTokenIDs)
}

// TestGetReturnTokenIds_StopStringBeatsLength verifies rule precedence:
// a detected stop string wins over a simultaneous length finish.
func TestGetReturnTokenIds_StopStringBeatsLength(t *testing.T) {
	tok := NewMapTokenizer(map[int32]string{20: "X", 21: "Y"}, []int32{testEOS})
	cfg := &GenerationConfig{N: 1, MaxTokens: 2, Stop: []string{"XY"}}
	cfg.Normalize()
	req := tokenRequest("r", []int32{1}, cfg)
	rs := NewRequestState(req, 1, NewIDManager(), tok, nil, time.Now())
	entry := rs.Root()

	commit(entry, 20, 21)
	ret := entry.GetReturnTokenIds(tok, 256)
	assert.Equal(t, FinishReasonStop, ret.FinishReason)
	// The stop string itself is trimmed from the stream.
	assert.Empty(t, ret.DeltaTokenIDs)
}
