package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/drover/agent"
)

const sampleYAML = `
provider: anthropic
model: claude-opus-4-1
system_prompt: "You are terse."

approvals:
  allow_tools: [glob]
  deny_tools: [write_file]
  shell_allow_prefixes: ["git status", "ls"]
  allow_read_only: false
  hidden_tools: [dispatch_agent]
  default: allow

session:
  max_tool_rounds: 10
  tool_timeout: 90s
  default_command_timeout: 15s
  max_command_timeout: 5m
  max_subagent_depth: 0
  loop_detection: false
  tool_char_limits:
    shell: 1000

retry:
  max_retries: 5
  base_delay: 0.5
  max_delay: 10
  jitter: false
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load([]byte(sampleYAML))
	require.NoError(t, err)

	policy := cfg.ApprovalPolicy()
	assert.Equal(t, []string{"glob"}, policy.AllowTools)
	assert.Equal(t, []string{"write_file"}, policy.DenyTools)
	assert.Equal(t, []string{"git status", "ls"}, policy.ShellAllowPrefixes)
	assert.False(t, policy.AllowReadOnly)
	assert.Equal(t, []string{"dispatch_agent"}, policy.HiddenTools)
	assert.Equal(t, agent.StanceAllow, policy.Default)

	sc := cfg.SessionConfig()
	assert.Equal(t, "anthropic", sc.Provider)
	assert.Equal(t, "claude-opus-4-1", sc.Model)
	assert.Equal(t, "You are terse.", sc.SystemPrompt)
	assert.Equal(t, 10, sc.MaxToolRounds)
	assert.Equal(t, 90*time.Second, sc.ToolTimeout)
	assert.Equal(t, 15*time.Second, sc.DefaultCommandTimeout)
	assert.Equal(t, 5*time.Minute, sc.MaxCommandTimeout)
	assert.Equal(t, 0, sc.MaxSubagentDepth)
	assert.False(t, sc.EnableLoopDetection)
	assert.Equal(t, 1000, sc.ToolCharLimits["shell"])
	assert.Equal(t, 5, sc.Retry.MaxRetries)
	assert.Equal(t, 0.5, sc.Retry.BaseDelay)
	assert.False(t, sc.Retry.Jitter)
}

func TestLoadEmptyUsesDefaults(t *testing.T) {
	cfg, err := Load([]byte(""))
	require.NoError(t, err)

	policy := cfg.ApprovalPolicy()
	assert.True(t, policy.AllowReadOnly)
	assert.Equal(t, agent.StanceAsk, policy.Default)

	sc := cfg.SessionConfig()
	defaults := agent.DefaultSessionConfig()
	assert.Equal(t, defaults.Model, sc.Model)
	assert.Equal(t, defaults.MaxToolRounds, sc.MaxToolRounds)
	assert.Equal(t, defaults.Retry.MaxRetries, sc.Retry.MaxRetries)
	assert.True(t, sc.EnableLoopDetection)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load([]byte("approvals:\n  default: maybe\n"))
	assert.ErrorContains(t, err, "unknown stance")

	_, err = Load([]byte("session:\n  tool_timeout: fast\n"))
	assert.ErrorContains(t, err, "tool_timeout")

	_, err = Load([]byte("provider: [not, a, string]"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: gpt-4o\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.SessionConfig().Model)

	missing, err := LoadFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultSessionConfig().Model, missing.SessionConfig().Model)
}
