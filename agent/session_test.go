package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/drover/llmstream"
)

// scriptAdapter replays one scripted stream per model call. Calls past the
// end of the script list replay the last entry.
type scriptAdapter struct {
	mu      sync.Mutex
	scripts [][]llmstream.StreamEvent
	calls   int
}

func (a *scriptAdapter) Name() string { return "script" }

func (a *scriptAdapter) Stream(ctx context.Context, req llmstream.Request) (<-chan llmstream.StreamEvent, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.mu.Unlock()
	if idx >= len(a.scripts) {
		idx = len(a.scripts) - 1
	}
	events := a.scripts[idx]
	ch := make(chan llmstream.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func assistantText(text string) []llmstream.StreamEvent {
	return []llmstream.StreamEvent{
		{Type: llmstream.TextDelta, Delta: text},
		{Type: llmstream.UsageReported, Usage: &llmstream.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		{Type: llmstream.StreamCompleted, FinishReason: &llmstream.FinishReason{Reason: "stop"}},
	}
}

func assistantCalls(calls ...llmstream.ToolCall) []llmstream.StreamEvent {
	var events []llmstream.StreamEvent
	for _, call := range calls {
		call := call
		events = append(events,
			llmstream.StreamEvent{Type: llmstream.ToolCallStart, ToolCallID: call.ID, ToolName: call.Name},
			llmstream.StreamEvent{Type: llmstream.ToolCallEnd, ToolCallID: call.ID, Call: &call},
		)
	}
	events = append(events, llmstream.StreamEvent{Type: llmstream.StreamCompleted, FinishReason: &llmstream.FinishReason{Reason: "tool_calls"}})
	return events
}

func streamFailure(err error) []llmstream.StreamEvent {
	return []llmstream.StreamEvent{{Type: llmstream.StreamError, Err: err}}
}

func newTestSession(t *testing.T, scripts [][]llmstream.StreamEvent, policy ApprovalPolicy, mutate func(*SessionConfig)) *Session {
	t.Helper()
	client := llmstream.NewClient(
		llmstream.WithAdapter("script", &scriptAdapter{scripts: scripts}),
		llmstream.WithDefaultProvider("script"),
	)
	cfg := DefaultSessionConfig()
	cfg.EnableLoopDetection = false
	cfg.Retry = llmstream.RetryPolicy{MaxRetries: 0, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.01}
	cfg.ToolTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSession(client, NewLocalEnv(t.TempDir()), policy, &cfg)
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

// collectEvents drains the session stream on a goroutine. onEvent runs for
// each event and may drive the session (approvals, cancellation).
func collectEvents(sess *Session, onEvent func(Event)) *eventCollector {
	c := &eventCollector{done: make(chan struct{})}
	go func() {
		for ev := range sess.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
			if onEvent != nil {
				onEvent(ev)
			}
		}
		close(c.done)
	}()
	return c
}

func (c *eventCollector) finish(sess *Session) []Event {
	sess.Close()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func lastKind(events []Event) EventKind {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Kind
}

func TestTurnTextOnly(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{assistantText("Hello!")}, DefaultApprovalPolicy(), nil)
	collector := collectEvents(sess, nil)

	if err := sess.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	events := collector.finish(sess)

	if countKind(events, EventTurnCompleted) != 1 {
		t.Errorf("expected one turn_completed, events: %v", eventKinds(events))
	}
	if countKind(events, EventAssistantTextDelta) == 0 {
		t.Error("expected streamed deltas")
	}
	if countKind(events, EventMessageAppended) != 2 {
		t.Errorf("expected user+assistant appends, events: %v", eventKinds(events))
	}
	if lastKind(events) != EventTurnCompleted {
		t.Errorf("terminal event must come last, got %v", eventKinds(events))
	}

	history := sess.History()
	if len(history) != 2 || history[1].TextContent() != "Hello!" {
		t.Errorf("unexpected history: %+v", history)
	}
	if sess.Usage().TotalTokens != 15 {
		t.Errorf("usage not recorded: %+v", sess.Usage())
	}
}

func eventKinds(events []Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestTurnWithToolRound(t *testing.T) {
	listCall := llmstream.ToolCall{ID: "c1", Name: "list_dir", Arguments: json.RawMessage(`{"path":"."}`)}
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(listCall),
		assistantText("The directory has one file."),
	}, DefaultApprovalPolicy(), nil)
	if err := os.WriteFile(filepath.Join(sess.env.WorkingDirectory(), "hello.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	collector := collectEvents(sess, nil)

	if err := sess.Submit(context.Background(), "what's here?"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	events := collector.finish(sess)

	if countKind(events, EventToolCallStarted) != 1 || countKind(events, EventToolCallCompleted) != 1 {
		t.Errorf("expected one started+completed, events: %v", eventKinds(events))
	}
	if countKind(events, EventApprovalRequested) != 0 {
		t.Error("read-only tool must not require approval under the default policy")
	}

	history := sess.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 messages (user, assistant call, result, assistant), got %d", len(history))
	}
	if history[2].Role != llmstream.RoleTool || history[2].ToolCallID != "c1" {
		t.Errorf("unexpected result message: %+v", history[2])
	}
	if result := history[2].Content[0].ToolResult; result == nil || result.IsError || !strings.Contains(result.Content, "hello.txt") {
		t.Errorf("tool output not injected: %+v", history[2])
	}
	if history[3].TextContent() != "The directory has one file." {
		t.Errorf("unexpected final message: %+v", history[3])
	}
}

func TestApprovalDenyFlow(t *testing.T) {
	ran := false
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(namedCall("c1", "danger")),
		assistantText("Understood, skipping it."),
	}, ApprovalPolicy{Default: StanceAsk}, nil)
	sess.registry.Register(&Tool{
		Definition: toolDef("danger", "", nil),
		Run: func(context.Context, json.RawMessage, ExecutionEnvironment) (string, error) {
			ran = true
			return "done", nil
		},
	})

	var resolveErr error
	collector := collectEvents(sess, func(ev Event) {
		if ev.Kind == EventApprovalRequested {
			resolveErr = sess.ResolveApproval(ev.Call.ID, false, false)
		}
	})

	if err := sess.Submit(context.Background(), "do the thing"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	events := collector.finish(sess)

	if resolveErr != nil {
		t.Fatalf("resolve failed: %v", resolveErr)
	}
	if ran {
		t.Error("denied tool must not execute")
	}
	if countKind(events, EventToolCallCompleted) != 1 {
		t.Errorf("denial must still resolve the call, events: %v", eventKinds(events))
	}

	history := sess.History()
	if len(history) != 4 {
		t.Fatalf("unexpected history length %d", len(history))
	}
	result := history[2].Content[0].ToolResult
	if result == nil || !result.IsError || !strings.Contains(result.Content, "denied") {
		t.Errorf("expected denied error result in history: %+v", history[2])
	}
}

func TestApprovalAlwaysAllowAppliesNextTurn(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(namedCall("c1", "noisy")),
		assistantText("first done"),
		assistantCalls(namedCall("c2", "noisy")),
		assistantText("second done"),
	}, ApprovalPolicy{Default: StanceAsk}, nil)
	sess.registry.Register(quickTool("noisy", "ok"))

	collector := collectEvents(sess, func(ev Event) {
		if ev.Kind == EventApprovalRequested {
			if err := sess.ResolveApproval(ev.Call.ID, true, true); err != nil {
				t.Errorf("resolve failed: %v", err)
			}
		}
	})

	if err := sess.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if err := sess.Submit(context.Background(), "second"); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	events := collector.finish(sess)

	if n := countKind(events, EventApprovalRequested); n != 1 {
		t.Errorf("always-allow grant should cover the second turn, got %d requests", n)
	}
	if n := countKind(events, EventToolCallCompleted); n != 2 {
		t.Errorf("expected both calls resolved, got %d", n)
	}
}

func TestResolveApprovalErrors(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(namedCall("c1", "gated")),
		assistantText("ok"),
	}, ApprovalPolicy{Default: StanceAsk}, nil)
	sess.registry.Register(quickTool("gated", "ok"))

	if err := sess.ResolveApproval("c1", true, false); err != ErrNoActiveTurn {
		t.Errorf("expected ErrNoActiveTurn before a turn, got %v", err)
	}

	var unknownErr, dupErr error
	collector := collectEvents(sess, func(ev Event) {
		if ev.Kind == EventApprovalRequested {
			unknownErr = sess.ResolveApproval("ghost", true, false)
			if err := sess.ResolveApproval(ev.Call.ID, true, false); err != nil {
				t.Errorf("first resolve failed: %v", err)
			}
			dupErr = sess.ResolveApproval(ev.Call.ID, false, false)
		}
	})

	if err := sess.Submit(context.Background(), "go"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	collector.finish(sess)

	if unknownErr != ErrUnknownApproval {
		t.Errorf("expected ErrUnknownApproval, got %v", unknownErr)
	}
	if dupErr != ErrAlreadyResolved {
		t.Errorf("expected ErrAlreadyResolved, got %v", dupErr)
	}
}

// blockingTool runs until its context ends.
func blockingTool(name string) *Tool {
	return &Tool{
		Definition: toolDef(name, "", nil),
		Run: func(ctx context.Context, _ json.RawMessage, _ ExecutionEnvironment) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

func TestCancelResolvesInFlightAndPending(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(
			namedCall("slow1", "slow"),
			namedCall("slow2", "slow"),
			namedCall("gated1", "gated"),
		),
	}, ApprovalPolicy{AllowTools: []string{"slow"}, Default: StanceAsk}, nil)
	sess.registry.Register(blockingTool("slow"))
	sess.registry.Register(quickTool("gated", "never runs"))

	collector := collectEvents(sess, func(ev Event) {
		// Both executions have already been announced by the time the
		// approval request shows up on the ordered stream.
		if ev.Kind == EventApprovalRequested {
			if err := sess.CancelTurn(""); err != nil {
				t.Errorf("cancel failed: %v", err)
			}
		}
	})

	err := sess.Submit(context.Background(), "run everything")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	events := collector.finish(sess)

	if n := countKind(events, EventToolCallCompleted); n != 3 {
		t.Errorf("expected all 3 calls resolved (2 in-flight + 1 pending), got %d: %v", n, eventKinds(events))
	}
	if countKind(events, EventTurnCancelled) != 1 {
		t.Errorf("expected exactly one turn_cancelled, events: %v", eventKinds(events))
	}
	if countKind(events, EventTurnCompleted)+countKind(events, EventTurnFailed) != 0 {
		t.Error("cancelled turn must not emit another terminal event")
	}
	if lastKind(events) != EventTurnCancelled {
		t.Errorf("terminal event must follow all resolutions, got %v", eventKinds(events))
	}
}

func TestSubmitWhileTurnActive(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(namedCall("s1", "slow")),
	}, ApprovalPolicy{AllowTools: []string{"slow"}, Default: StanceAsk}, nil)
	sess.registry.Register(blockingTool("slow"))

	var secondErr error
	collector := collectEvents(sess, func(ev Event) {
		if ev.Kind == EventToolCallStarted {
			secondErr = sess.Submit(context.Background(), "another")
			_ = sess.CancelTurn("")
		}
	})

	err := sess.Submit(context.Background(), "first")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	collector.finish(sess)

	if secondErr != ErrTurnInProgress {
		t.Errorf("expected ErrTurnInProgress, got %v", secondErr)
	}
}

func TestRoundLimitFailsTurn(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(namedCall("r1", "quick")),
		assistantCalls(namedCall("r2", "quick")),
	}, ApprovalPolicy{AllowTools: []string{"quick"}, Default: StanceAsk}, func(cfg *SessionConfig) {
		cfg.MaxToolRounds = 1
	})
	sess.registry.Register(quickTool("quick", "ok"))
	collector := collectEvents(sess, nil)

	err := sess.Submit(context.Background(), "loop forever")
	if !errors.Is(err, ErrRoundLimit) {
		t.Fatalf("expected ErrRoundLimit, got %v", err)
	}
	events := collector.finish(sess)
	if countKind(events, EventTurnFailed) != 1 || lastKind(events) != EventTurnFailed {
		t.Errorf("expected terminal turn_failed, events: %v", eventKinds(events))
	}
}

func TestModelRetryTransientThenSucceed(t *testing.T) {
	transient := &llmstream.ServerError{ProviderError: llmstream.ProviderError{
		AdapterError: llmstream.AdapterError{Message: "upstream hiccup"},
		Retryable:    true,
	}}
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		streamFailure(transient),
		assistantText("recovered"),
	}, DefaultApprovalPolicy(), func(cfg *SessionConfig) {
		cfg.Retry = llmstream.RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.01}
	})
	collector := collectEvents(sess, nil)

	if err := sess.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	events := collector.finish(sess)
	if countKind(events, EventWarning) == 0 {
		t.Error("expected a retry warning")
	}
	if countKind(events, EventTurnCompleted) != 1 {
		t.Errorf("expected completion, events: %v", eventKinds(events))
	}
}

func TestModelFatalErrorFailsTurn(t *testing.T) {
	fatal := &llmstream.AuthenticationError{ProviderError: llmstream.ProviderError{
		AdapterError: llmstream.AdapterError{Message: "bad key"},
		Provider:     "script",
		StatusCode:   401,
	}}
	sess := newTestSession(t, [][]llmstream.StreamEvent{streamFailure(fatal)}, DefaultApprovalPolicy(), nil)
	collector := collectEvents(sess, nil)

	err := sess.Submit(context.Background(), "hi")
	var authErr *llmstream.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected the provider error to surface, got %v", err)
	}
	events := collector.finish(sess)
	if countKind(events, EventTurnFailed) != 1 {
		t.Errorf("expected turn_failed, events: %v", eventKinds(events))
	}
}

func TestDispatchAgent(t *testing.T) {
	task, _ := json.Marshal(map[string]string{"task": "summarize the project"})
	sess := newTestSession(t, [][]llmstream.StreamEvent{
		assistantCalls(llmstream.ToolCall{ID: "d1", Name: "dispatch_agent", Arguments: task}),
		assistantText("child report: all quiet"),
		assistantText("parent done"),
	}, ApprovalPolicy{AllowTools: []string{"dispatch_agent"}, Default: StanceAsk}, nil)
	collector := collectEvents(sess, nil)

	if err := sess.Submit(context.Background(), "delegate this"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	events := collector.finish(sess)

	history := sess.History()
	if len(history) != 4 {
		t.Fatalf("unexpected history length %d", len(history))
	}
	result := history[2].Content[0].ToolResult
	if result == nil || result.IsError || !strings.Contains(result.Content, "child report") {
		t.Errorf("child report not returned: %+v", history[2])
	}

	foreign := 0
	for _, ev := range events {
		if ev.SessionID != sess.ID() {
			foreign++
		}
	}
	if foreign == 0 {
		t.Error("expected forwarded child session events")
	}
}

func TestSessionClosed(t *testing.T) {
	sess := newTestSession(t, [][]llmstream.StreamEvent{assistantText("hi")}, DefaultApprovalPolicy(), nil)
	sess.Close()
	if err := sess.Submit(context.Background(), "hi"); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := sess.CancelTurn(""); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}
