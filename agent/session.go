package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/drover/llmstream"
)

// SessionConfig tunes a session. Zero values fall back to defaults.
type SessionConfig struct {
	Provider     string
	Model        string
	SystemPrompt string

	// MaxToolRounds caps tool rounds per turn.
	MaxToolRounds int
	// ToolTimeout bounds one tool execution.
	ToolTimeout time.Duration
	// DefaultCommandTimeout and MaxCommandTimeout bound the shell tool.
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration

	// MaxSubagentDepth limits dispatch_agent nesting. Zero disables the tool.
	MaxSubagentDepth int

	EnableLoopDetection bool
	LoopDetectionWindow int

	// ToolCharLimits and ToolLineLimits override per-tool output truncation.
	ToolCharLimits map[string]int
	ToolLineLimits map[string]int

	Retry       llmstream.RetryPolicy
	EventBuffer int

	subagentDepth int
}

// DefaultSessionConfig returns the settings a fresh interactive session uses.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:                 "claude-sonnet-4-5",
		MaxToolRounds:         50,
		ToolTimeout:           DefaultToolTimeout,
		DefaultCommandTimeout: 30 * time.Second,
		MaxCommandTimeout:     10 * time.Minute,
		MaxSubagentDepth:      2,
		EnableLoopDetection:   true,
		LoopDetectionWindow:   12,
		Retry:                 llmstream.DefaultRetryPolicy(),
		EventBuffer:           256,
	}
}

func (c *SessionConfig) applyDefaults() {
	d := DefaultSessionConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = d.MaxToolRounds
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.DefaultCommandTimeout == 0 {
		c.DefaultCommandTimeout = d.DefaultCommandTimeout
	}
	if c.MaxCommandTimeout == 0 {
		c.MaxCommandTimeout = d.MaxCommandTimeout
	}
	if c.LoopDetectionWindow == 0 {
		c.LoopDetectionWindow = d.LoopDetectionWindow
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseDelay == 0 {
		c.Retry = d.Retry
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
}

// Session owns a conversation: immutable message history, the registered
// tool set, the approval policy plus session-scoped grants, and at most one
// active turn at a time.
type Session struct {
	id       string
	client   *llmstream.Client
	env      ExecutionEnvironment
	registry *ToolRegistry
	policy   ApprovalPolicy
	config   SessionConfig
	emitter  *EventEmitter

	mu                   sync.Mutex
	history              []llmstream.Message
	current              *Turn
	closed               bool
	usage                llmstream.Usage
	allowedTools         map[string]bool
	allowedShellPrefixes []string
}

// NewSession builds a session with the core tool set registered. A nil
// config uses DefaultSessionConfig.
func NewSession(client *llmstream.Client, env ExecutionEnvironment, policy ApprovalPolicy, config *SessionConfig) *Session {
	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
		cfg.applyDefaults()
	}
	s := &Session{
		id:           uuid.NewString(),
		client:       client,
		env:          env,
		registry:     NewToolRegistry(),
		policy:       policy,
		config:       cfg,
		emitter:      NewEventEmitter(cfg.EventBuffer),
		allowedTools: make(map[string]bool),
	}
	RegisterCoreTools(s.registry, cfg.DefaultCommandTimeout, cfg.MaxCommandTimeout)
	if cfg.subagentDepth < cfg.MaxSubagentDepth {
		registerDispatchAgent(s.registry, s)
	}
	if s.config.SystemPrompt == "" {
		s.config.SystemPrompt = defaultSystemPrompt(env)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the session's ordered event stream. Subscribers must drain
// it until Close.
func (s *Session) Events() <-chan Event { return s.emitter.Events() }

// Submit runs one turn to its terminal state. It returns nil when the turn
// completes, ErrCancelled when it was cancelled, and the underlying failure
// otherwise. Only one turn runs at a time.
func (s *Session) Submit(ctx context.Context, input string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.current != nil {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	gate := s.gateSnapshotLocked()
	turn := newTurn(uuid.NewString(), s, gate, NewCancelScope(ctx))
	s.current = turn
	s.mu.Unlock()

	err := turn.run(input)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return err
}

// ResolveApproval delivers a human decision for one pending approval. The
// first decision wins: a duplicate returns ErrAlreadyResolved and an unknown
// call id returns ErrUnknownApproval, neither affecting other pendings.
// With alwaysAllow set, an approval also grants the tool (or, for shell, the
// command's leading word) for future turns of this session.
func (s *Session) ResolveApproval(callID string, approved, alwaysAllow bool) error {
	s.mu.Lock()
	turn, closed := s.current, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if turn == nil {
		return ErrNoActiveTurn
	}
	if err := turn.approvals.resolve(callID); err != nil {
		return err
	}
	if approved && alwaysAllow {
		if call, ok := turn.approvals.get(callID); ok {
			s.grantAlways(call)
		}
	}
	turn.feed(ApprovalDecisionEvent{CallID: callID, Approved: approved})
	return nil
}

// CancelTurn cancels the active turn. An empty turnID targets whatever turn
// is current. Cancellation is monotonic and idempotent.
func (s *Session) CancelTurn(turnID string) error {
	s.mu.Lock()
	turn, closed := s.current, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if turn == nil {
		return ErrNoActiveTurn
	}
	if turnID != "" && turnID != turn.id {
		return fmt.Errorf("no active turn with id %s", turnID)
	}
	turn.scope.Cancel()
	turn.feed(CancelEvent{})
	return nil
}

// History returns a copy of the conversation history.
func (s *Session) History() []llmstream.Message {
	return s.historySnapshot()
}

// Usage returns token usage accumulated across completed turns.
func (s *Session) Usage() llmstream.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Close cancels any active turn and ends the event stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	turn := s.current
	s.mu.Unlock()

	if turn != nil {
		turn.scope.Cancel()
		turn.feed(CancelEvent{})
	}
	s.emitter.Close()
}

func (s *Session) appendHistory(msg llmstream.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

func (s *Session) historySnapshot() []llmstream.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llmstream.Message(nil), s.history...)
}

func (s *Session) addUsage(u llmstream.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = s.usage.Add(u)
}

// buildRequest assembles the model request: system prompt, full history, and
// the gate-filtered tool schema.
func (s *Session) buildRequest(gate *Gate) llmstream.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]llmstream.Message, 0, len(s.history)+1)
	if s.config.SystemPrompt != "" {
		messages = append(messages, llmstream.SystemMessage(s.config.SystemPrompt))
	}
	messages = append(messages, s.history...)
	return llmstream.Request{
		Model:    s.config.Model,
		Provider: s.config.Provider,
		Messages: messages,
		ToolDefs: gate.FilterDefinitions(s.registry.Definitions()),
	}
}

// gateSnapshotLocked merges the base policy with session-scoped grants into
// a gate the new turn keeps for its whole lifetime. Grants made mid-turn
// take effect from the next turn.
func (s *Session) gateSnapshotLocked() *Gate {
	policy := s.policy
	policy.AllowTools = append([]string(nil), s.policy.AllowTools...)
	for name := range s.allowedTools {
		policy.AllowTools = append(policy.AllowTools, name)
	}
	policy.ShellAllowPrefixes = append(
		append([]string(nil), s.policy.ShellAllowPrefixes...),
		s.allowedShellPrefixes...)
	return NewGate(policy, s.registry)
}

func (s *Session) grantAlways(call llmstream.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.Name == "shell" {
		if prefix := shellCommandRoot(call.Arguments); prefix != "" {
			s.allowedShellPrefixes = append(s.allowedShellPrefixes, prefix)
		}
		return
	}
	s.allowedTools[call.Name] = true
}

// shellCommandRoot extracts the leading word of a shell call's command.
func shellCommandRoot(args json.RawMessage) string {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ""
	}
	fields := strings.Fields(params.Command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func defaultSystemPrompt(env ExecutionEnvironment) string {
	var sb strings.Builder
	sb.WriteString("You are a coding agent working in a local checkout. ")
	sb.WriteString("Use the available tools to inspect and modify the project; prefer small, verifiable steps. ")
	sb.WriteString("When a command needs approval, explain what it does before running it.\n\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDirectory())
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	return sb.String()
}
