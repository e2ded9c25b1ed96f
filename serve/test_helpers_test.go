package serve

import (
	"testing"
	"time"
)

// testEOS is the EOS token id used across engine tests.
const testEOS int32 = 50

// defaultTestConfig returns an engine config small enough to exercise
// block boundaries but large enough not to preempt unless a test wants it.
func defaultTestConfig() *EngineConfig {
	return &EngineConfig{
		MaxSingleSequenceLength: 256,
		MaxRunningRequests:      8,
		PrefillChunkSize:        512,
		VocabSize:               64,
		KVCache:                 KVCacheConfig{TotalBlocks: 64, BlockSizeTokens: 4},
		DraftSlots:              8,
	}
}

// streamCollector records every callback batch in delivery order.
type streamCollector struct {
	batches [][]RequestStreamOutput
}

func (c *streamCollector) callback(outputs []RequestStreamOutput) {
	batch := make([]RequestStreamOutput, len(outputs))
	copy(batch, outputs)
	c.batches = append(c.batches, batch)
}

// outputsFor returns all stream outputs for one request, in step order.
func (c *streamCollector) outputsFor(requestID string) []RequestStreamOutput {
	var outputs []RequestStreamOutput
	for _, batch := range c.batches {
		for _, output := range batch {
			if output.RequestID == requestID {
				outputs = append(outputs, output)
			}
		}
	}
	return outputs
}

// deltasFor concatenates all delivered delta tokens of one branch.
func (c *streamCollector) deltasFor(requestID string, branch int) []int32 {
	var tokens []int32
	for _, output := range c.outputsFor(requestID) {
		if branch < len(output.GroupDeltaTokenIDs) {
			tokens = append(tokens, output.GroupDeltaTokenIDs[branch]...)
		}
	}
	return tokens
}

// finishReasonFor returns the last defined finish reason of one branch.
func (c *streamCollector) finishReasonFor(requestID string, branch int) FinishReason {
	reason := FinishReasonNone
	for _, output := range c.outputsFor(requestID) {
		if branch < len(output.GroupFinishReason) && output.GroupFinishReason[branch].Defined() {
			reason = output.GroupFinishReason[branch]
		}
	}
	return reason
}

// newTestEngine builds an engine over one SimKVModel with a deterministic
// clock that advances 10ms on every reading.
func newTestEngine(t *testing.T, cfg *EngineConfig) (*Engine, *SimKVModel, *streamCollector) {
	t.Helper()
	if cfg == nil {
		cfg = defaultTestConfig()
	}
	model := NewSimKVModel(0, cfg.VocabSize, cfg.KVCache.TotalBlocks, cfg.KVCache.BlockSizeTokens)
	tokenizer := NewMapTokenizer(nil, []int32{testEOS})
	collector := &streamCollector{}
	engine, err := NewEngine(cfg, []Model{model}, tokenizer, collector.callback, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clock := time.Unix(1700000000, 0)
	engine.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}
	return engine, model, collector
}

// tokenRequest builds a single-TokenData request.
func tokenRequest(id string, prompt []int32, cfg *GenerationConfig) *Request {
	return &Request{
		ID:            id,
		Inputs:        []Data{&TokenData{TokenIDs: prompt}},
		GenerationCfg: cfg,
	}
}

// seqOfLen returns [base, base+1, ...) of the given length.
func seqOfLen(base int32, length int) []int32 {
	tokens := make([]int32, length)
	for i := range tokens {
		tokens[i] = base + int32(i)
	}
	return tokens
}

// assertWatermarkInvariant checks that no entry's prefix-cache watermark
// passes its last committed token.
func assertWatermarkInvariant(t *testing.T, estate *EngineState) {
	t.Helper()
	for requestID, rstate := range estate.RequestStates {
		for i, entry := range rstate.Entries {
			mstate := entry.MStates[0]
			limit := int64(len(mstate.CommittedTokens)) - 1
			if limit < 0 {
				limit = 0
			}
			if mstate.CachedCommittedTokens > limit {
				t.Errorf("request %s entry %d: cached committed tokens %d exceeds %d",
					requestID, i, mstate.CachedCommittedTokens, limit)
			}
		}
	}
}
