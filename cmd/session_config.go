package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/batchserve/batchserve/serve"
)

// SessionRequest describes one request of a scripted session: the prompt,
// the generation options, and optionally the tokens each branch should
// produce (branch 0 scripts the root's first token when n > 1).
type SessionRequest struct {
	ID            string                 `yaml:"id"` // generated when empty
	PromptTokens  []int32                `yaml:"prompt_tokens"`
	GenerationCfg serve.GenerationConfig `yaml:"generation"`
	BranchScripts map[int][]int32        `yaml:"branch_scripts,omitempty"`
	DelayMillis   int                    `yaml:"delay_millis"` // submission delay relative to the previous request
}

// SessionConfig is the YAML session file driving the CLI: an engine config
// plus the requests to feed it.
type SessionConfig struct {
	Engine   serve.EngineConfig `yaml:"engine"`
	EOSToken int32              `yaml:"eos_token"`
	Requests []SessionRequest   `yaml:"requests"`
}

// LoadSessionConfig reads and validates a session file.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}
	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse session config: %w", err)
	}
	cfg.Engine.Normalize()
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Requests) == 0 {
		return nil, fmt.Errorf("session config: no requests")
	}
	for i := range cfg.Requests {
		if len(cfg.Requests[i].PromptTokens) == 0 {
			return nil, fmt.Errorf("session config: request %d has no prompt tokens", i)
		}
	}
	return &cfg, nil
}
