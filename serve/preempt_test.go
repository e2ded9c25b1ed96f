package serve

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchserve/batchserve/serve/trace"
)

// TestPreempt_PartiallyPrefilledRoot verifies preempting a request that
// still owed prefill: the rebuilt inputs equal the original prompt, the
// prefill progress resets, and the request keeps its waiting-queue slot.
func TestPreempt_PartiallyPrefilledRoot(t *testing.T) {
	// GIVEN an engine whose chunk budget prefills 60 of 100 prompt tokens
	cfg := defaultTestConfig()
	cfg.PrefillChunkSize = 60
	engine, model, _ := newTestEngine(t, cfg)
	prompt := seqOfLen(0, 100)
	require.NoError(t, engine.AddRequest(tokenRequest("big", prompt, &GenerationConfig{N: 1, MaxTokens: 4})))
	engine.Step()

	// AND after one step it straddles the waiting/running boundary:
	// admitted to running for its active prefill, still waiting on the
	// rest of its inputs
	estate := engine.State()
	rstate := estate.RequestStates["big"]
	root := rstate.Root()
	require.Equal(t, StatusAlive, root.Status)
	require.Equal(t, int64(60), root.MStates[0].NumPrefilledTokens)
	require.Equal(t, int64(40), root.MStates[0].GetInputLength())
	require.True(t, estate.RunningQueue.Contains("big"))
	require.True(t, estate.WaitingQueue.Contains("big"))
	oldID := root.MStates[0].InternalID

	// WHEN it is preempted
	preempted := PreemptLastRunningRequestStateEntry(estate, []Model{model}, engine.draftWS, nil, 1)

	// THEN the entry is pending, resident nowhere, with a fresh id
	assert.Same(t, root, preempted)
	assert.Equal(t, StatusPending, root.Status)
	assert.NotEqual(t, oldID, root.MStates[0].InternalID)
	assert.False(t, estate.PrefixCache.HasSequence(oldID))
	assert.False(t, model.HasSequence(oldID))
	assert.Equal(t, 0, model.UsedBlocks())

	// AND the inputs are the full original prompt again
	require.Len(t, root.MStates[0].Inputs, 1)
	rebuilt := root.MStates[0].Inputs[0].(*TokenData)
	assert.Equal(t, prompt, rebuilt.TokenIDs)
	assert.Equal(t, int64(0), root.MStates[0].NumPrefilledTokens)
	assert.Equal(t, int64(0), root.MStates[0].CachedCommittedTokens)

	// AND it sits at the front of the waiting queue
	assert.Equal(t, "big", estate.WaitingQueue.Peek().ID)
	assert.Equal(t, 0, estate.RunningQueue.Len())
}

// TestPreempt_MergesCommittedIntoTrailingTokenData verifies the root
// rebuild merges generated tokens into the prompt's final token block, so
// one embedding call covers both.
func TestPreempt_MergesCommittedIntoTrailingTokenData(t *testing.T) {
	// GIVEN a running request with 3 committed tokens
	engine, model, _ := newTestEngine(t, nil)
	prompt := []int32{1, 2, 42}
	model.SetScript("r", 0, []int32{7, 8, 9, 10})
	require.NoError(t, engine.AddRequest(tokenRequest("r", prompt, &GenerationConfig{N: 1, MaxTokens: 8})))
	engine.Step() // prefill + commit 7
	engine.Step() // commit 8
	engine.Step() // commit 9
	estate := engine.State()
	root := estate.RequestStates["r"].Root()
	require.Equal(t, []int32{7, 8, 9}, root.MStates[0].CommittedTokenIDs())
	oldID := root.MStates[0].InternalID

	// WHEN the request is preempted
	PreemptLastRunningRequestStateEntry(estate, []Model{model}, engine.draftWS, nil, 4)

	// THEN the final input block is the prompt block merged with the
	// committed tokens (one element, not two)
	require.Len(t, root.MStates[0].Inputs, 1)
	merged := root.MStates[0].Inputs[0].(*TokenData)
	assert.Equal(t, []int32{1, 2, 42, 7, 8, 9}, merged.TokenIDs)

	// AND the committed tokens themselves survive
	assert.Equal(t, []int32{7, 8, 9}, root.MStates[0].CommittedTokenIDs())
	assert.NotEqual(t, oldID, root.MStates[0].InternalID)

	// AND the request resumes from the waiting-queue front
	assert.Equal(t, "r", estate.WaitingQueue.Peek().ID)
}

// TestPreempt_ResumeContinuesGeneration verifies a preempted request
// resumes and its delivered deltas concatenate to the full generation.
func TestPreempt_ResumeContinuesGeneration(t *testing.T) {
	engine, model, collector := newTestEngine(t, nil)
	script := []int32{7, 8, 9, 10}
	model.SetScript("r", 0, script)
	require.NoError(t, engine.AddRequest(tokenRequest("r", []int32{1, 2, 3}, &GenerationConfig{N: 1, MaxTokens: 4})))
	engine.Step() // commit 7
	engine.Step() // commit 8

	PreemptLastRunningRequestStateEntry(engine.State(), []Model{model}, engine.draftWS, nil, 2)

	// WHEN the engine keeps stepping, the request re-prefills and finishes
	engine.Run(16)
	assert.True(t, engine.Idle())

	// THEN the concatenated deltas equal the scripted generation exactly
	assert.Equal(t, script, collector.deltasFor("r", 0))
	assert.Equal(t, FinishReasonLength, collector.finishReasonFor("r", 0))
	assertNoLeakedBlocks(t, engine, model)
}

// TestPreempt_EmptyRunningQueuePanics verifies the fail-fast contract.
func TestPreempt_EmptyRunningQueuePanics(t *testing.T) {
	engine, model, _ := newTestEngine(t, nil)
	assert.Panics(t, func() {
		PreemptLastRunningRequestStateEntry(engine.State(), []Model{model}, engine.draftWS, nil, 0)
	})
}

// TestPreempt_UnderKVPressure verifies the engine preempts the most recent
// running request when decoding runs out of blocks, and both requests still
// complete with their exact scripted outputs.
func TestPreempt_UnderKVPressure(t *testing.T) {
	// GIVEN a KV cache with room for barely two requests
	cfg := defaultTestConfig()
	cfg.KVCache = KVCacheConfig{TotalBlocks: 6, BlockSizeTokens: 4}
	engine, model, collector := newTestEngine(t, cfg)

	scriptA := seqOfLen(10, 8)
	scriptB := seqOfLen(20, 8)
	model.SetScript("a", 0, scriptA)
	model.SetScript("b", 0, scriptB)
	require.NoError(t, engine.AddRequest(tokenRequest("a", seqOfLen(40, 6), &GenerationConfig{N: 1, MaxTokens: 8})))
	require.NoError(t, engine.AddRequest(tokenRequest("b", seqOfLen(48, 6), &GenerationConfig{N: 1, MaxTokens: 8})))

	// WHEN the engine runs to completion
	engine.Run(64)

	// THEN both requests finish with their full scripted generations
	assert.True(t, engine.Idle())
	assert.Equal(t, scriptA, collector.deltasFor("a", 0))
	assert.Equal(t, scriptB, collector.deltasFor("b", 0))
	assert.Equal(t, FinishReasonLength, collector.finishReasonFor("a", 0))
	assert.Equal(t, FinishReasonLength, collector.finishReasonFor("b", 0))
	assertNoLeakedBlocks(t, engine, model)
}

// TestPreempt_MidPrefillUnderKVPressure verifies partial-prefill
// preemption through the real step loop: a request mid chunked prefill is
// in the running queue, so decode pressure from an earlier request evicts
// it before its prefill finishes, and it still completes exactly after
// resuming.
func TestPreempt_MidPrefillUnderKVPressure(t *testing.T) {
	// GIVEN a KV cache too small for a decoding request plus a second
	// request whose 20-token prompt prefills in 8-token chunks
	cfg := defaultTestConfig()
	cfg.KVCache = KVCacheConfig{TotalBlocks: 6, BlockSizeTokens: 4}
	cfg.PrefillChunkSize = 8
	model := NewSimKVModel(0, cfg.VocabSize, cfg.KVCache.TotalBlocks, cfg.KVCache.BlockSizeTokens)
	recorder := trace.NewEventTraceRecorder(trace.TraceLevelLifecycle)
	collector := &streamCollector{}
	engine, err := NewEngine(cfg, []Model{model}, NewMapTokenizer(nil, []int32{testEOS}), collector.callback, recorder)
	require.NoError(t, err)

	scriptA := seqOfLen(10, 8)
	scriptB := seqOfLen(20, 4)
	model.SetScript("a", 0, scriptA)
	model.SetScript("b", 0, scriptB)
	require.NoError(t, engine.AddRequest(tokenRequest("a", seqOfLen(40, 6), &GenerationConfig{N: 1, MaxTokens: 8})))
	require.NoError(t, engine.AddRequest(tokenRequest("b", seqOfLen(48, 20), &GenerationConfig{N: 1, MaxTokens: 4})))

	// WHEN the engine runs to completion
	engine.Run(64)
	require.True(t, engine.Idle())

	// THEN b was preempted before its prefill ever finished
	events := recorder.EventsFor("b")
	preemptIdx := slices.Index(events, "preempt")
	prefillFinishIdx := slices.Index(events, "prefill_finish")
	require.GreaterOrEqual(t, preemptIdx, 0, "b was never preempted: %v", events)
	require.GreaterOrEqual(t, prefillFinishIdx, 0, "b never finished prefill: %v", events)
	assert.Less(t, preemptIdx, prefillFinishIdx, "preemption must hit b mid-prefill: %v", events)

	// AND both requests still deliver their exact scripted generations
	assert.Equal(t, scriptA, collector.deltasFor("a", 0))
	assert.Equal(t, scriptB, collector.deltasFor("b", 0))
	assert.Equal(t, FinishReasonLength, collector.finishReasonFor("a", 0))
	assert.Equal(t, FinishReasonLength, collector.finishReasonFor("b", 0))
	assertNoLeakedBlocks(t, engine, model)
}

// assertNoLeakedBlocks drains the reclaimable prefix-cache sequences and
// checks the model holds no blocks afterwards (INV: conservation).
func assertNoLeakedBlocks(t *testing.T, engine *Engine, model *SimKVModel) {
	t.Helper()
	if pc := engine.State().PrefixCache; pc != nil {
		for pc.EvictOne() {
		}
	}
	assert.Equal(t, 0, model.UsedBlocks(), "blocks leaked")
}
