package agent

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/martinemde/drover/llmstream"
)

// DefaultToolTimeout bounds a single tool execution unless configured
// otherwise.
const DefaultToolTimeout = 2 * time.Minute

// Executor runs approved tool calls. Each call is dispatched at most once,
// runs under its own deadline derived from the turn's CancelScope, and
// always normalizes to a ToolResult. The executor never panics a turn: tool
// panics become internal-kind failures.
type Executor struct {
	registry *ToolRegistry
	env      ExecutionEnvironment
	timeout  time.Duration

	mu         sync.Mutex
	dispatched map[string]bool
}

func NewExecutor(registry *ToolRegistry, env ExecutionEnvironment, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Executor{
		registry:   registry,
		env:        env,
		timeout:    timeout,
		dispatched: make(map[string]bool),
	}
}

// Execute runs one tool call to a normalized result. Blocking until the tool
// returns, the deadline fires, or the scope cancels; the caller runs it on
// its own goroutine.
func (e *Executor) Execute(scope *CancelScope, call llmstream.ToolCall) ToolResult {
	e.mu.Lock()
	if e.dispatched[call.ID] {
		e.mu.Unlock()
		return errorResult(call, NewToolError(ToolErrInternal, "call %s dispatched twice", call.ID))
	}
	e.dispatched[call.ID] = true
	e.mu.Unlock()

	if scope.Triggered() {
		return errorResult(call, NewToolError(ToolErrCancelled, "turn cancelled"))
	}

	tool := e.registry.Get(call.Name)
	if tool == nil {
		return errorResult(call, NewToolError(ToolErrUnknownTool, "no tool named %q", call.Name))
	}

	ctx, span := otel.Tracer("drover/agent").Start(scope.Context(), "tool.execute")
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewToolError(ToolErrInternal, "tool panicked: %v", r)}
			}
		}()
		content, err := tool.Run(ctx, call.Arguments, e.env)
		done <- outcome{content: content, err: err}
	}()

	var result ToolResult
	select {
	case <-ctx.Done():
		if scope.Triggered() {
			result = errorResult(call, NewToolError(ToolErrCancelled, "turn cancelled"))
		} else {
			result = errorResult(call, NewToolError(ToolErrTimeout, "exceeded %s", e.timeout))
		}
	case out := <-done:
		if out.err != nil {
			result = errorResult(call, normalizeToolError(out.err))
		} else {
			result = ToolResult{CallID: call.ID, Name: call.Name, Content: out.content}
		}
	}

	if result.IsError() {
		span.SetStatus(codes.Error, result.Err.Message)
		span.SetAttributes(attribute.String("tool.error_kind", string(result.Err.Kind)))
	}
	return result
}

func normalizeToolError(err error) *ToolError {
	if te, ok := err.(*ToolError); ok {
		return te
	}
	return NewToolError(ToolErrExecution, "%s", err.Error())
}
