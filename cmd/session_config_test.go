package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadSessionConfig verifies the session YAML shape.
func TestLoadSessionConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  vocab_size: 64
  kv_cache:
    total_blocks: 32
    block_size_tokens: 4
eos_token: 50
requests:
  - id: demo
    prompt_tokens: [1, 2, 3]
    generation:
      n: 2
      max_tokens: 4
    branch_scripts:
      0: [9]
      1: [9, 50]
      2: [9, 10, 11]
`), 0o644))

	cfg, err := LoadSessionConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.VocabSize)
	assert.Equal(t, int32(50), cfg.EOSToken)
	require.Len(t, cfg.Requests, 1)
	assert.Equal(t, "demo", cfg.Requests[0].ID)
	assert.Equal(t, []int32{1, 2, 3}, cfg.Requests[0].PromptTokens)
	assert.Equal(t, 2, cfg.Requests[0].GenerationCfg.N)
	assert.Equal(t, []int32{9, 50}, cfg.Requests[0].BranchScripts[1])
}

// TestLoadSessionConfig_RejectsEmpty verifies validation.
func TestLoadSessionConfig_RejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  vocab_size: 64
  kv_cache:
    total_blocks: 32
    block_size_tokens: 4
requests: []
`), 0o644))
	_, err := LoadSessionConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  vocab_size: 64
  kv_cache:
    total_blocks: 32
    block_size_tokens: 4
requests:
  - id: empty-prompt
    generation:
      n: 1
      max_tokens: 2
`), 0o644))
	_, err = LoadSessionConfig(path)
	assert.Error(t, err)
}
