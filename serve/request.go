// Defines the Request struct and the input data variants that flow through
// the engine. A request is treated as immutable once submitted; all mutable
// generation state lives in RequestState (see state.go).

package serve

import (
	"fmt"
)

// Data is one block of request input. Token blocks are the only kind the
// engine inspects; other modalities are opaque except for their length in
// positions.
type Data interface {
	// Length returns the number of KV-cache positions this block occupies.
	Length() int64
}

// TokenData is a block of token ids.
type TokenData struct {
	TokenIDs []int32
}

func (d *TokenData) Length() int64 {
	return int64(len(d.TokenIDs))
}

// ImageData is an opaque image embedding block.
type ImageData struct {
	// EmbedLength is the number of positions the image occupies after encoding.
	EmbedLength int64
}

func (d *ImageData) Length() int64 {
	return d.EmbedLength
}

// AudioData is an opaque audio embedding block.
type AudioData struct {
	EmbedLength int64
}

func (d *AudioData) Length() int64 {
	return d.EmbedLength
}

// DataLength returns the total length of a list of input blocks.
func DataLength(inputs []Data) int64 {
	var total int64
	for _, d := range inputs {
		total += d.Length()
	}
	return total
}

// DebugConfig carries debug-only request options.
type DebugConfig struct {
	// PinnedSystemPrompt keeps the request's sequence in the prefix cache
	// untouched when the request finishes.
	PinnedSystemPrompt bool `yaml:"pinned_system_prompt" json:"pinned_system_prompt"`
}

// GenerationConfig holds the per-request generation options recognized by
// the engine core.
type GenerationConfig struct {
	N                 int               `yaml:"n" json:"n"`                   // parallel completions, >= 1
	Logprobs          int               `yaml:"logprobs" json:"logprobs"`     // emit top-k logprobs when > 0
	MaxTokens         int               `yaml:"max_tokens" json:"max_tokens"` // decode cap, > 0
	IgnoreEOS         bool              `yaml:"ignore_eos" json:"ignore_eos"`
	Temperature       float32           `yaml:"temperature" json:"temperature"`
	TopP              float32           `yaml:"top_p" json:"top_p"`
	RepetitionPenalty float32           `yaml:"repetition_penalty" json:"repetition_penalty"`
	FrequencyPenalty  float32           `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty   float32           `yaml:"presence_penalty" json:"presence_penalty"`
	LogitBias         map[int32]float32 `yaml:"logit_bias,omitempty" json:"logit_bias,omitempty"`
	Stop              []string          `yaml:"stop,omitempty" json:"stop,omitempty"`
	Seed              int64             `yaml:"seed" json:"seed"`
	Debug             DebugConfig       `yaml:"debug" json:"debug"`
}

// Normalize fills zero-valued fields with their defaults.
func (cfg *GenerationConfig) Normalize() {
	if cfg.N == 0 {
		cfg.N = 1
	}
	if cfg.TopP == 0 {
		cfg.TopP = 1.0
	}
	if cfg.RepetitionPenalty == 0 {
		cfg.RepetitionPenalty = 1.0
	}
}

// Validate rejects option combinations the engine cannot serve.
func (cfg *GenerationConfig) Validate() error {
	if cfg.N < 1 {
		return fmt.Errorf("generation config: n must be >= 1, got %d", cfg.N)
	}
	if cfg.Logprobs < 0 {
		return fmt.Errorf("generation config: logprobs must be >= 0, got %d", cfg.Logprobs)
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("generation config: max_tokens must be > 0, got %d", cfg.MaxTokens)
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		return fmt.Errorf("generation config: top_p must be in (0, 1], got %v", cfg.TopP)
	}
	if cfg.Temperature < 0 {
		return fmt.Errorf("generation config: temperature must be >= 0, got %v", cfg.Temperature)
	}
	return nil
}

// Request models a single user generation request. The engine never mutates
// a Request after AddRequest; per-branch progress lives in RequestState.
type Request struct {
	ID string // Unique identifier for the request

	Inputs []Data // Prompt input blocks, in order

	GenerationCfg *GenerationConfig
}

// PromptLength returns the total input length in positions.
func (req *Request) PromptLength() int64 {
	return DataLength(req.Inputs)
}

// LeadingTokenIDs returns the token ids of the leading TokenData blocks,
// stopping at the first non-token block. Used for prefix-cache matching,
// which is content-addressed on tokens only.
func (req *Request) LeadingTokenIDs() []int32 {
	var tokens []int32
	for _, d := range req.Inputs {
		td, ok := d.(*TokenData)
		if !ok {
			break
		}
		tokens = append(tokens, td.TokenIDs...)
	}
	return tokens
}

// This method returns a human-readable string representation of a Request.
func (req *Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, PromptLength: %d, N: %d)", req.ID, req.PromptLength(), req.GenerationCfg.N)
}
