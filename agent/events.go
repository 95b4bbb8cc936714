package agent

import (
	"sync"
	"time"

	"github.com/martinemde/drover/llmstream"
)

// EventKind identifies an external event published on the session stream.
type EventKind string

const (
	// EventMessageAppended fires whenever a message is committed to
	// conversation history: user input, assistant output, tool results.
	EventMessageAppended EventKind = "message_appended"
	// EventAssistantTextDelta carries one incremental chunk of assistant
	// text as it streams from the model.
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	// EventToolCallStarted fires when a tool call is dispatched for
	// execution.
	EventToolCallStarted EventKind = "tool_call_started"
	// EventToolCallCompleted fires exactly once per tool call surfaced to
	// the model, whatever the outcome: success, failure, denial, timeout,
	// or cancellation.
	EventToolCallCompleted EventKind = "tool_call_completed"
	// EventApprovalRequested fires when a tool call suspends awaiting a
	// human decision. Resolve it with Session.ResolveApproval.
	EventApprovalRequested EventKind = "approval_requested"
	// EventTurnCompleted is the terminal event of a successful turn.
	EventTurnCompleted EventKind = "turn_completed"
	// EventTurnCancelled is the terminal event of a cancelled turn.
	EventTurnCancelled EventKind = "turn_cancelled"
	// EventTurnFailed is the terminal event of a failed turn.
	EventTurnFailed EventKind = "turn_failed"
	// EventWarning carries non-fatal diagnostics: loop detection steering,
	// retry notices, invariant reports.
	EventWarning EventKind = "warning"
)

// Event is one entry in the session's ordered event stream. Only the fields
// relevant to the Kind are set.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Timestamp time.Time          `json:"timestamp"`
	SessionID string             `json:"session_id"`
	TurnID    string             `json:"turn_id,omitempty"`
	Message   *llmstream.Message `json:"message,omitempty"`
	Delta     string             `json:"delta,omitempty"`
	Call      *llmstream.ToolCall `json:"call,omitempty"`
	Result    *ToolResult        `json:"result,omitempty"`
	Usage     *llmstream.Usage   `json:"usage,omitempty"`
	Err       string             `json:"error,omitempty"`
	Warning   string             `json:"warning,omitempty"`
}

// EventEmitter publishes the session event stream. Unlike a best-effort
// telemetry bus, the stream is a complete ordered record suitable for
// persistence replay, so Emit blocks when the buffer is full rather than
// dropping. Subscribers must keep draining until the channel closes.
type EventEmitter struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(buffer int) *EventEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventEmitter{ch: make(chan Event, buffer)}
}

// Emit publishes one event. It is a no-op after Close.
func (e *EventEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.ch <- ev
}

// Events returns the receive side of the stream.
func (e *EventEmitter) Events() <-chan Event { return e.ch }

// Close ends the stream. Subsequent Emit calls are dropped.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
