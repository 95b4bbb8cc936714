package agent

import (
	"errors"
	"fmt"
)

// ToolErrorKind classifies how a tool call failed. The kind is stable
// vocabulary: hosts and the model both see it, so values never change
// meaning once shipped.
type ToolErrorKind string

const (
	// ToolErrUnknownTool means the model named a tool that is not registered.
	ToolErrUnknownTool ToolErrorKind = "unknown_tool"
	// ToolErrInvalidParams means the call arguments failed validation.
	ToolErrInvalidParams ToolErrorKind = "invalid_params"
	// ToolErrDenied means the approval gate or a human rejected the call.
	ToolErrDenied ToolErrorKind = "denied"
	// ToolErrCancelled means the turn was cancelled while the call was
	// pending or running.
	ToolErrCancelled ToolErrorKind = "cancelled"
	// ToolErrTimeout means the call exceeded its execution deadline.
	ToolErrTimeout ToolErrorKind = "timeout"
	// ToolErrExecution means the tool ran and reported a failure.
	ToolErrExecution ToolErrorKind = "execution"
	// ToolErrInternal means the executor itself misbehaved.
	ToolErrInternal ToolErrorKind = "internal"
)

// ToolError is the typed failure carried inside a ToolResult.
type ToolError struct {
	Kind    ToolErrorKind
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(kind ToolErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams is shorthand for the validation failure tools report most.
func InvalidParams(format string, args ...any) *ToolError {
	return NewToolError(ToolErrInvalidParams, format, args...)
}

// InvariantError reports an event that is impossible in the Stepper's
// current phase: a duplicate tool result, a decision for a call that never
// asked for approval, stream events after the stream ended. It always
// indicates a bug in the interpreter or an adapter, never user error.
type InvariantError struct {
	Phase  Phase
	Event  string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in phase %s on %s: %s", e.Phase, e.Event, e.Reason)
}

var (
	// ErrUnknownApproval is returned when a decision references no pending
	// approval in the current turn.
	ErrUnknownApproval = errors.New("no pending approval with that call id")

	// ErrAlreadyResolved is returned when a pending approval receives a
	// second decision. The first decision stands.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrTurnInProgress is returned by Submit while another turn is active.
	ErrTurnInProgress = errors.New("a turn is already in progress")

	// ErrNoActiveTurn is returned by CancelTurn and ResolveApproval when the
	// session has no running turn.
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrSessionClosed is returned by all session operations after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrCancelled is returned by Submit when the turn ended by cancellation.
	ErrCancelled = errors.New("turn cancelled")

	// ErrRoundLimit is the failure recorded when a turn exceeds its
	// configured tool-round budget without converging.
	ErrRoundLimit = errors.New("tool round limit exceeded")
)
