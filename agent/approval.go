package agent

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/martinemde/drover/llmstream"
)

// Decision is the gate's classification of one tool call.
type Decision int

const (
	// DecisionAsk suspends the call until a human approves or denies it.
	DecisionAsk Decision = iota
	// DecisionAutoApprove dispatches the call immediately.
	DecisionAutoApprove
	// DecisionAutoDeny rejects the call without executing it.
	DecisionAutoDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAutoApprove:
		return "auto_approve"
	case DecisionAutoDeny:
		return "auto_deny"
	default:
		return "ask"
	}
}

// DefaultStance is the gate's answer for calls no explicit rule matches.
type DefaultStance string

const (
	StanceAsk   DefaultStance = "ask"
	StanceAllow DefaultStance = "allow"
)

// ApprovalPolicy configures the gate. Deny rules win over allow rules, allow
// rules win over the default stance.
type ApprovalPolicy struct {
	// AllowTools are tool names that auto-approve.
	AllowTools []string `yaml:"allow_tools"`
	// DenyTools are tool names that auto-deny.
	DenyTools []string `yaml:"deny_tools"`
	// ShellAllowPrefixes auto-approve shell commands whose command line
	// starts with one of these prefixes at a word boundary.
	ShellAllowPrefixes []string `yaml:"shell_allow_prefixes"`
	// AllowReadOnly auto-approves tools registered as read-only.
	AllowReadOnly bool `yaml:"allow_read_only"`
	// HiddenTools are removed from the definitions advertised to the model.
	HiddenTools []string `yaml:"hidden_tools"`
	// Default applies when no rule matches.
	Default DefaultStance `yaml:"default"`
}

// DefaultApprovalPolicy auto-approves read-only tools and asks for the rest.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{AllowReadOnly: true, Default: StanceAsk}
}

// Gate classifies tool calls against an immutable policy snapshot. A turn
// takes its snapshot at start; session-scoped grants made during the turn
// apply from the next turn on.
type Gate struct {
	allow         map[string]bool
	deny          map[string]bool
	hidden        map[string]bool
	shellPrefixes []string
	allowReadOnly bool
	defaultStance DefaultStance
	registry      *ToolRegistry
}

// NewGate builds a gate from a policy. The registry supplies read-only
// metadata; it may be nil when AllowReadOnly is unset.
func NewGate(policy ApprovalPolicy, registry *ToolRegistry) *Gate {
	g := &Gate{
		allow:         make(map[string]bool, len(policy.AllowTools)),
		deny:          make(map[string]bool, len(policy.DenyTools)),
		hidden:        make(map[string]bool, len(policy.HiddenTools)),
		shellPrefixes: append([]string(nil), policy.ShellAllowPrefixes...),
		allowReadOnly: policy.AllowReadOnly,
		defaultStance: policy.Default,
		registry:      registry,
	}
	for _, name := range policy.AllowTools {
		g.allow[name] = true
	}
	for _, name := range policy.DenyTools {
		g.deny[name] = true
	}
	for _, name := range policy.HiddenTools {
		g.hidden[name] = true
	}
	if g.defaultStance == "" {
		g.defaultStance = StanceAsk
	}
	return g
}

// Classify maps one tool call to a gate decision.
func (g *Gate) Classify(call llmstream.ToolCall) Decision {
	if g.deny[call.Name] {
		return DecisionAutoDeny
	}
	if g.allow[call.Name] {
		return DecisionAutoApprove
	}
	if call.Name == "shell" && g.shellCommandAllowed(call.Arguments) {
		return DecisionAutoApprove
	}
	if g.allowReadOnly && g.registry != nil {
		if t := g.registry.Get(call.Name); t != nil && t.ReadOnly {
			return DecisionAutoApprove
		}
	}
	if g.defaultStance == StanceAllow {
		return DecisionAutoApprove
	}
	return DecisionAsk
}

// FilterDefinitions removes hidden tools from the advertised set.
func (g *Gate) FilterDefinitions(defs []llmstream.ToolDefinition) []llmstream.ToolDefinition {
	if len(g.hidden) == 0 {
		return defs
	}
	visible := make([]llmstream.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if !g.hidden[d.Name] {
			visible = append(visible, d)
		}
	}
	return visible
}

func (g *Gate) shellCommandAllowed(args json.RawMessage) bool {
	if len(g.shellPrefixes) == 0 {
		return false
	}
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return false
	}
	command := strings.TrimSpace(params.Command)
	for _, prefix := range g.shellPrefixes {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return false
}

// PendingApproval is one suspended tool call awaiting a human decision.
type PendingApproval struct {
	Call     llmstream.ToolCall
	resolved bool
}

// approvalTable tracks the turn's pending approvals and enforces one-shot
// resolution. Entries stay after resolution so a duplicate decision is
// distinguishable from an unknown call id.
type approvalTable struct {
	mu      sync.Mutex
	entries map[string]*PendingApproval
}

func newApprovalTable() *approvalTable {
	return &approvalTable{entries: make(map[string]*PendingApproval)}
}

func (t *approvalTable) add(call llmstream.ToolCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[call.ID] = &PendingApproval{Call: call}
}

// resolve marks the approval handled. The boolean decision is delivered by
// the caller only when resolve succeeds.
func (t *approvalTable) resolve(callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[callID]
	if !ok {
		return ErrUnknownApproval
	}
	if entry.resolved {
		return ErrAlreadyResolved
	}
	entry.resolved = true
	return nil
}

func (t *approvalTable) get(callID string) (llmstream.ToolCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[callID]
	if !ok {
		return llmstream.ToolCall{}, false
	}
	return entry.Call, true
}

// cancelAll resolves every still-pending approval and returns their calls so
// the turn can surface a cancellation result for each.
func (t *approvalTable) cancelAll() []llmstream.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var calls []llmstream.ToolCall
	for _, entry := range t.entries {
		if !entry.resolved {
			entry.resolved = true
			calls = append(calls, entry.Call)
		}
	}
	return calls
}

func (t *approvalTable) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.entries {
		if !entry.resolved {
			n++
		}
	}
	return n
}
