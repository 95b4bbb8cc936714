package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/drover/llmstream"
)

// Phase is the Stepper's position in the turn lifecycle.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingModel     Phase = "awaiting_model"
	PhaseModelStreaming    Phase = "model_streaming"
	PhaseCollectingCalls   Phase = "collecting_tool_calls"
	PhaseExecutingTools    Phase = "executing_tools"
	PhaseAwaitingApprovals Phase = "awaiting_approvals"
	PhaseCompleted         Phase = "completed"
	PhaseCancelled         Phase = "cancelled"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// StepEvent is one input to the Stepper: user input, a normalized model
// stream event, a tool result, an approval decision, or cancellation.
type StepEvent interface {
	stepEventName() string
}

type UserInputEvent struct{ Content string }

type ModelTextDeltaEvent struct{ Delta string }

type ModelToolCallStartEvent struct {
	ID   string
	Name string
}

type ModelToolCallArgsDeltaEvent struct {
	ID    string
	Delta string
}

type ModelToolCallEndEvent struct {
	ID        string
	Arguments json.RawMessage
}

type ModelUsageEvent struct{ Usage llmstream.Usage }

type ModelCompletedEvent struct{}

// ModelFailedEvent carries a fatal adapter error. Transient failures are
// retried by the interpreter and never reach the Stepper.
type ModelFailedEvent struct{ Err error }

type ToolResultEvent struct{ Result ToolResult }

type ApprovalDecisionEvent struct {
	CallID   string
	Approved bool
}

type CancelEvent struct{}

func (UserInputEvent) stepEventName() string              { return "user_input" }
func (ModelTextDeltaEvent) stepEventName() string         { return "model_text_delta" }
func (ModelToolCallStartEvent) stepEventName() string     { return "model_tool_call_start" }
func (ModelToolCallArgsDeltaEvent) stepEventName() string { return "model_tool_call_args_delta" }
func (ModelToolCallEndEvent) stepEventName() string       { return "model_tool_call_end" }
func (ModelUsageEvent) stepEventName() string             { return "model_usage" }
func (ModelCompletedEvent) stepEventName() string         { return "model_completed" }
func (ModelFailedEvent) stepEventName() string            { return "model_failed" }
func (ToolResultEvent) stepEventName() string             { return "tool_result" }
func (ApprovalDecisionEvent) stepEventName() string       { return "approval_decision" }
func (CancelEvent) stepEventName() string                 { return "cancel" }

// Effect is one instruction the Stepper hands back for the interpreter to
// perform. The Stepper itself never does I/O.
type Effect interface {
	effectName() string
}

// AppendMessageEffect commits a message to conversation history.
type AppendMessageEffect struct{ Message llmstream.Message }

// EmitDeltaEffect surfaces one chunk of streaming assistant text.
type EmitDeltaEffect struct{ Delta string }

// CallModelEffect requests a model stream over the current history.
type CallModelEffect struct{}

// ExecuteToolEffect dispatches one approved tool call.
type ExecuteToolEffect struct{ Call llmstream.ToolCall }

// RequestApprovalEffect suspends one tool call pending a human decision.
type RequestApprovalEffect struct{ Call llmstream.ToolCall }

// EmitResultEffect surfaces the resolution of one tool call.
type EmitResultEffect struct{ Result ToolResult }

// AbortEffect tells the interpreter to trigger the turn's CancelScope and
// resolve any pending approvals as cancelled.
type AbortEffect struct{}

// FinishEffect marks the turn terminal. Err is set for OutcomeFailed.
type FinishEffect struct {
	Outcome Outcome
	Err     error
}

func (AppendMessageEffect) effectName() string   { return "append_message" }
func (EmitDeltaEffect) effectName() string       { return "emit_delta" }
func (CallModelEffect) effectName() string       { return "call_model" }
func (ExecuteToolEffect) effectName() string     { return "execute_tool" }
func (RequestApprovalEffect) effectName() string { return "request_approval" }
func (EmitResultEffect) effectName() string      { return "emit_result" }
func (AbortEffect) effectName() string           { return "abort" }
func (FinishEffect) effectName() string          { return "finish" }

// Outcome is the terminal disposition of a turn.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// StepperConfig is the pure configuration the state machine needs.
type StepperConfig struct {
	// MaxRounds caps tool rounds per turn. Zero means unlimited.
	MaxRounds int
	// Classify is the approval gate decision function.
	Classify func(llmstream.ToolCall) Decision
	// CharLimits and LineLimits bound tool output injected into history,
	// keyed by tool name.
	CharLimits map[string]int
	LineLimits map[string]int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Stepper is the turn state machine. Apply is synchronous and free of I/O:
// given one event it mutates internal state and returns the effects the
// interpreter must perform. An error return is an invariant violation and
// means the input was impossible in the current phase; the state is left
// unchanged in that case.
type Stepper struct {
	cfg   StepperConfig
	phase Phase
	round int

	// model stream accumulation
	textBuf   strings.Builder
	partials  map[string]*partialCall
	collected []llmstream.ToolCall
	usage     llmstream.Usage

	// current tool round
	calls       []llmstream.ToolCall
	outstanding int
	pending     map[string]bool
	results     map[string]ToolResult
}

func NewStepper(cfg StepperConfig) *Stepper {
	if cfg.Classify == nil {
		cfg.Classify = func(llmstream.ToolCall) Decision { return DecisionAsk }
	}
	return &Stepper{
		cfg:      cfg,
		phase:    PhaseIdle,
		partials: make(map[string]*partialCall),
		pending:  make(map[string]bool),
		results:  make(map[string]ToolResult),
	}
}

// Phase returns the current lifecycle phase.
func (s *Stepper) Phase() Phase { return s.phase }

// Round returns the number of tool rounds started so far.
func (s *Stepper) Round() int { return s.round }

// Usage returns the token usage accumulated across the turn's model calls.
func (s *Stepper) Usage() llmstream.Usage { return s.usage }

func (s *Stepper) violation(ev StepEvent, format string, args ...any) error {
	return &InvariantError{Phase: s.phase, Event: ev.stepEventName(), Reason: fmt.Sprintf(format, args...)}
}

// Apply advances the state machine by one event.
func (s *Stepper) Apply(ev StepEvent) ([]Effect, error) {
	if s.phase.Terminal() {
		return nil, s.violation(ev, "turn already terminal")
	}

	switch e := ev.(type) {
	case UserInputEvent:
		if s.phase != PhaseIdle {
			return nil, s.violation(ev, "user input accepted only before the turn starts")
		}
		s.phase = PhaseAwaitingModel
		return []Effect{
			AppendMessageEffect{Message: llmstream.UserMessage(e.Content)},
			CallModelEffect{},
		}, nil

	case ModelTextDeltaEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		s.textBuf.WriteString(e.Delta)
		return []Effect{EmitDeltaEffect{Delta: e.Delta}}, nil

	case ModelToolCallStartEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		if _, exists := s.partials[e.ID]; exists {
			return nil, s.violation(ev, "duplicate tool call id %q", e.ID)
		}
		s.partials[e.ID] = &partialCall{id: e.ID, name: e.Name}
		return nil, nil

	case ModelToolCallArgsDeltaEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		partial, ok := s.partials[e.ID]
		if !ok {
			return nil, s.violation(ev, "arguments for unstarted call %q", e.ID)
		}
		partial.args.WriteString(e.Delta)
		return nil, nil

	case ModelToolCallEndEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		partial, ok := s.partials[e.ID]
		if !ok {
			return nil, s.violation(ev, "end for unstarted call %q", e.ID)
		}
		delete(s.partials, e.ID)
		args := e.Arguments
		if len(args) == 0 {
			args = json.RawMessage(partial.args.String())
		}
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		s.collected = append(s.collected, llmstream.ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: args,
			Ordinal:   len(s.collected),
		})
		return nil, nil

	case ModelUsageEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		s.usage = s.usage.Add(e.Usage)
		return nil, nil

	case ModelCompletedEvent:
		if err := s.requireStreaming(ev); err != nil {
			return nil, err
		}
		if len(s.partials) != 0 {
			return nil, s.violation(ev, "stream completed with %d unfinished tool calls", len(s.partials))
		}
		return s.onStreamCompleted()

	case ModelFailedEvent:
		s.phase = PhaseFailed
		return []Effect{AbortEffect{}, FinishEffect{Outcome: OutcomeFailed, Err: e.Err}}, nil

	case ToolResultEvent:
		return s.onToolResult(ev, e.Result)

	case ApprovalDecisionEvent:
		return s.onApprovalDecision(ev, e)

	case CancelEvent:
		s.phase = PhaseCancelled
		return []Effect{AbortEffect{}, FinishEffect{Outcome: OutcomeCancelled}}, nil

	default:
		return nil, s.violation(ev, "unrecognized event type %T", ev)
	}
}

func (s *Stepper) requireStreaming(ev StepEvent) error {
	switch s.phase {
	case PhaseAwaitingModel:
		s.phase = PhaseModelStreaming
		return nil
	case PhaseModelStreaming:
		return nil
	default:
		return s.violation(ev, "model stream event outside a model call")
	}
}

// onStreamCompleted commits the assistant message and either finishes the
// turn or opens the next tool round.
func (s *Stepper) onStreamCompleted() ([]Effect, error) {
	text := s.textBuf.String()
	calls := s.collected
	s.textBuf.Reset()
	s.collected = nil

	msg := llmstream.Message{Role: llmstream.RoleAssistant}
	if text != "" {
		msg.Content = append(msg.Content, llmstream.TextPart(text))
	}
	for _, call := range calls {
		msg.Content = append(msg.Content, llmstream.ToolCallPart(call))
	}
	var effects []Effect
	if len(msg.Content) > 0 {
		effects = append(effects, AppendMessageEffect{Message: msg})
	}

	if len(calls) == 0 {
		s.phase = PhaseCompleted
		return append(effects, FinishEffect{Outcome: OutcomeCompleted}), nil
	}

	s.round++
	if s.cfg.MaxRounds > 0 && s.round > s.cfg.MaxRounds {
		s.phase = PhaseFailed
		return append(effects, AbortEffect{}, FinishEffect{Outcome: OutcomeFailed, Err: ErrRoundLimit}), nil
	}

	s.phase = PhaseCollectingCalls
	s.calls = calls
	s.outstanding = len(calls)
	s.pending = make(map[string]bool)
	s.results = make(map[string]ToolResult)

	for _, call := range calls {
		switch s.cfg.Classify(call) {
		case DecisionAutoApprove:
			effects = append(effects, ExecuteToolEffect{Call: call})
		case DecisionAutoDeny:
			denied := errorResult(call, NewToolError(ToolErrDenied, "denied by policy"))
			effects = append(effects, s.recordResult(denied)...)
		default:
			s.pending[call.ID] = true
			effects = append(effects, RequestApprovalEffect{Call: call})
		}
	}

	if done, closing := s.closeRoundIfDone(); done {
		return append(effects, closing...), nil
	}
	if len(s.pending) > 0 {
		s.phase = PhaseAwaitingApprovals
	} else {
		s.phase = PhaseExecutingTools
	}
	return effects, nil
}

func (s *Stepper) onToolResult(ev StepEvent, result ToolResult) ([]Effect, error) {
	if s.phase != PhaseExecutingTools && s.phase != PhaseAwaitingApprovals {
		return nil, s.violation(ev, "tool result outside a tool round")
	}
	if !s.inRound(result.CallID) {
		return nil, s.violation(ev, "result for call %q not in the current round", result.CallID)
	}
	if _, dup := s.results[result.CallID]; dup {
		return nil, s.violation(ev, "duplicate result for call %q", result.CallID)
	}
	if s.pending[result.CallID] {
		return nil, s.violation(ev, "result for call %q before its approval decision", result.CallID)
	}
	effects := s.recordResult(result)
	if done, closing := s.closeRoundIfDone(); done {
		effects = append(effects, closing...)
	}
	return effects, nil
}

func (s *Stepper) onApprovalDecision(ev StepEvent, e ApprovalDecisionEvent) ([]Effect, error) {
	if s.phase != PhaseAwaitingApprovals && s.phase != PhaseExecutingTools {
		return nil, s.violation(ev, "approval decision outside a tool round")
	}
	if !s.pending[e.CallID] {
		return nil, s.violation(ev, "decision for call %q with no pending approval", e.CallID)
	}
	delete(s.pending, e.CallID)

	var effects []Effect
	if e.Approved {
		call, ok := s.callByID(e.CallID)
		if !ok {
			return nil, s.violation(ev, "pending call %q missing from the round", e.CallID)
		}
		effects = append(effects, ExecuteToolEffect{Call: call})
	} else {
		call, _ := s.callByID(e.CallID)
		denied := errorResult(call, NewToolError(ToolErrDenied, "denied by user"))
		effects = append(effects, s.recordResult(denied)...)
	}

	if done, closing := s.closeRoundIfDone(); done {
		return append(effects, closing...), nil
	}
	if len(s.pending) == 0 {
		s.phase = PhaseExecutingTools
	}
	return effects, nil
}

// recordResult stores one resolution and surfaces it. The full result is
// emitted; truncation applies only to the history injection at round close.
func (s *Stepper) recordResult(result ToolResult) []Effect {
	s.results[result.CallID] = result
	s.outstanding--
	return []Effect{EmitResultEffect{Result: result}}
}

// closeRoundIfDone appends results to history in call ordinal order and
// requests the next model call once every call in the round is resolved.
func (s *Stepper) closeRoundIfDone() (bool, []Effect) {
	if s.outstanding > 0 || len(s.pending) > 0 {
		return false, nil
	}
	var effects []Effect
	for _, call := range s.calls {
		result := s.results[call.ID]
		content := TruncateToolOutput(result.Text(), call.Name, s.cfg.CharLimits, s.cfg.LineLimits)
		effects = append(effects, AppendMessageEffect{
			Message: llmstream.ToolResultMessage(call.ID, content, result.IsError()),
		})
	}
	effects = append(effects, CallModelEffect{})
	s.calls = nil
	s.results = make(map[string]ToolResult)
	s.phase = PhaseAwaitingModel
	return true, effects
}

func (s *Stepper) inRound(callID string) bool {
	_, ok := s.callByID(callID)
	return ok
}

func (s *Stepper) callByID(callID string) (llmstream.ToolCall, bool) {
	for _, call := range s.calls {
		if call.ID == callID {
			return call, true
		}
	}
	return llmstream.ToolCall{}, false
}
