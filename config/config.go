// Package config loads drover configuration from YAML files and maps it onto
// the agent and llmstream option types.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/drover/agent"
	"github.com/martinemde/drover/llmstream"
)

// Config is the on-disk configuration schema.
type Config struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	Approvals ApprovalsConfig `yaml:"approvals"`
	Session   SessionConfig   `yaml:"session"`
	Retry     *RetryConfig    `yaml:"retry"`
}

// ApprovalsConfig mirrors agent.ApprovalPolicy.
type ApprovalsConfig struct {
	AllowTools         []string `yaml:"allow_tools"`
	DenyTools          []string `yaml:"deny_tools"`
	ShellAllowPrefixes []string `yaml:"shell_allow_prefixes"`
	AllowReadOnly      *bool    `yaml:"allow_read_only"`
	HiddenTools        []string `yaml:"hidden_tools"`
	Default            string   `yaml:"default"`
}

// SessionConfig holds the tunable session knobs. Durations use Go syntax
// ("30s", "2m").
type SessionConfig struct {
	MaxToolRounds         int            `yaml:"max_tool_rounds"`
	ToolTimeout           string         `yaml:"tool_timeout"`
	DefaultCommandTimeout string         `yaml:"default_command_timeout"`
	MaxCommandTimeout     string         `yaml:"max_command_timeout"`
	MaxSubagentDepth      *int           `yaml:"max_subagent_depth"`
	LoopDetection         *bool          `yaml:"loop_detection"`
	LoopDetectionWindow   int            `yaml:"loop_detection_window"`
	ToolCharLimits        map[string]int `yaml:"tool_char_limits"`
	ToolLineLimits        map[string]int `yaml:"tool_line_limits"`
}

// RetryConfig mirrors llmstream.RetryPolicy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelay         float64 `yaml:"base_delay"`
	MaxDelay          float64 `yaml:"max_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            *bool   `yaml:"jitter"`
}

// Load parses a YAML document.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a YAML config file. A missing path yields the
// zero config rather than an error so the CLI works without one.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

func (c *Config) validate() error {
	switch c.Approvals.Default {
	case "", string(agent.StanceAsk), string(agent.StanceAllow):
	default:
		return fmt.Errorf("approvals.default: unknown stance %q", c.Approvals.Default)
	}
	for field, raw := range map[string]string{
		"session.tool_timeout":            c.Session.ToolTimeout,
		"session.default_command_timeout": c.Session.DefaultCommandTimeout,
		"session.max_command_timeout":     c.Session.MaxCommandTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// ApprovalPolicy converts the approvals section. Unset allow_read_only
// defaults to true, matching agent.DefaultApprovalPolicy.
func (c *Config) ApprovalPolicy() agent.ApprovalPolicy {
	policy := agent.ApprovalPolicy{
		AllowTools:         c.Approvals.AllowTools,
		DenyTools:          c.Approvals.DenyTools,
		ShellAllowPrefixes: c.Approvals.ShellAllowPrefixes,
		HiddenTools:        c.Approvals.HiddenTools,
		AllowReadOnly:      true,
		Default:            agent.StanceAsk,
	}
	if c.Approvals.AllowReadOnly != nil {
		policy.AllowReadOnly = *c.Approvals.AllowReadOnly
	}
	if c.Approvals.Default != "" {
		policy.Default = agent.DefaultStance(c.Approvals.Default)
	}
	return policy
}

// SessionConfig converts the session and retry sections, leaving zero values
// for agent defaults to fill.
func (c *Config) SessionConfig() agent.SessionConfig {
	cfg := agent.DefaultSessionConfig()
	cfg.Provider = c.Provider
	if c.Model != "" {
		cfg.Model = c.Model
	}
	cfg.SystemPrompt = c.SystemPrompt

	s := c.Session
	if s.MaxToolRounds > 0 {
		cfg.MaxToolRounds = s.MaxToolRounds
	}
	if d := parseDuration(s.ToolTimeout); d > 0 {
		cfg.ToolTimeout = d
	}
	if d := parseDuration(s.DefaultCommandTimeout); d > 0 {
		cfg.DefaultCommandTimeout = d
	}
	if d := parseDuration(s.MaxCommandTimeout); d > 0 {
		cfg.MaxCommandTimeout = d
	}
	if s.MaxSubagentDepth != nil {
		cfg.MaxSubagentDepth = *s.MaxSubagentDepth
	}
	if s.LoopDetection != nil {
		cfg.EnableLoopDetection = *s.LoopDetection
	}
	if s.LoopDetectionWindow > 0 {
		cfg.LoopDetectionWindow = s.LoopDetectionWindow
	}
	if len(s.ToolCharLimits) > 0 {
		cfg.ToolCharLimits = s.ToolCharLimits
	}
	if len(s.ToolLineLimits) > 0 {
		cfg.ToolLineLimits = s.ToolLineLimits
	}

	if c.Retry != nil {
		policy := llmstream.DefaultRetryPolicy()
		policy.MaxRetries = c.Retry.MaxRetries
		if c.Retry.BaseDelay > 0 {
			policy.BaseDelay = c.Retry.BaseDelay
		}
		if c.Retry.MaxDelay > 0 {
			policy.MaxDelay = c.Retry.MaxDelay
		}
		if c.Retry.BackoffMultiplier > 0 {
			policy.BackoffMultiplier = c.Retry.BackoffMultiplier
		}
		if c.Retry.Jitter != nil {
			policy.Jitter = *c.Retry.Jitter
		}
		cfg.Retry = policy
	}
	return cfg
}

func parseDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, _ := time.ParseDuration(raw)
	return d
}
