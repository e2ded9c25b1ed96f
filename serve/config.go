package serve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/batchserve/batchserve/serve/trace"
)

// KVCacheConfig groups KV cache capacity parameters.
type KVCacheConfig struct {
	TotalBlocks     int `yaml:"total_blocks"`      // KV blocks available per model (must be > 0)
	BlockSizeTokens int `yaml:"block_size_tokens"` // tokens per block (must be > 0)
}

// EngineConfig groups the engine-level knobs.
type EngineConfig struct {
	// MaxSingleSequenceLength is the global ceiling on prompt + generated
	// length, applied when deciding finish reasons.
	MaxSingleSequenceLength int64 `yaml:"max_single_sequence_length"`
	// MaxRunningRequests caps concurrent decoding requests.
	MaxRunningRequests int `yaml:"max_running_requests"`
	// PrefillChunkSize is the per-step prefill token budget; longer prompts
	// prefill across several steps (chunked prefill).
	PrefillChunkSize int64 `yaml:"prefill_chunk_size"`
	// VocabSize is the model vocabulary size (logits row width).
	VocabSize int `yaml:"vocab_size"`

	KVCache KVCacheConfig `yaml:"kv_cache"`

	// DraftSlots is the speculative-decoding workspace size.
	DraftSlots int `yaml:"draft_slots"`
	// DisablePrefixCache turns off prefix-cache management: sequences then
	// live directly in the models' KV caches.
	DisablePrefixCache bool `yaml:"disable_prefix_cache"`
	// TraceLevel selects lifecycle tracing ("none" or "lifecycle").
	TraceLevel string `yaml:"trace_level"`
}

// Normalize fills zero-valued fields with usable defaults.
func (c *EngineConfig) Normalize() {
	if c.MaxSingleSequenceLength == 0 {
		c.MaxSingleSequenceLength = 4096
	}
	if c.MaxRunningRequests == 0 {
		c.MaxRunningRequests = 16
	}
	if c.PrefillChunkSize == 0 {
		c.PrefillChunkSize = 512
	}
	if c.DraftSlots == 0 {
		c.DraftSlots = 64
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.MaxSingleSequenceLength <= 0 {
		return fmt.Errorf("engine config: max_single_sequence_length must be > 0, got %d", c.MaxSingleSequenceLength)
	}
	if c.MaxRunningRequests <= 0 {
		return fmt.Errorf("engine config: max_running_requests must be > 0, got %d", c.MaxRunningRequests)
	}
	if c.PrefillChunkSize <= 0 {
		return fmt.Errorf("engine config: prefill_chunk_size must be > 0, got %d", c.PrefillChunkSize)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("engine config: vocab_size must be > 0, got %d", c.VocabSize)
	}
	if c.KVCache.TotalBlocks <= 0 {
		return fmt.Errorf("engine config: kv_cache.total_blocks must be > 0, got %d", c.KVCache.TotalBlocks)
	}
	if c.KVCache.BlockSizeTokens <= 0 {
		return fmt.Errorf("engine config: kv_cache.block_size_tokens must be > 0, got %d", c.KVCache.BlockSizeTokens)
	}
	if c.DraftSlots <= 0 {
		return fmt.Errorf("engine config: draft_slots must be > 0, got %d", c.DraftSlots)
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return fmt.Errorf("engine config: unknown trace_level %q", c.TraceLevel)
	}
	return nil
}

// LoadEngineConfig reads and validates a YAML engine config file.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
