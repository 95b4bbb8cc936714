package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/drover/llmstream"
)

// Turn is the effectful interpreter for one user submission. It owns the
// turn's CancelScope, runs the Stepper over the incoming event queue, and
// performs the effects the Stepper returns: model streams, tool dispatch,
// approval requests, history appends, event emission.
//
// All external events are emitted from the turn's own goroutine, so the
// stream is totally ordered.
type Turn struct {
	id        string
	sess      *Session
	gate      *Gate
	scope     *CancelScope
	stepper   *Stepper
	executor  *Executor
	approvals *approvalTable
	events    chan StepEvent

	wg       sync.WaitGroup
	steered  bool
	finished bool
	outcome  Outcome
	failure  error
}

func newTurn(id string, sess *Session, gate *Gate, scope *CancelScope) *Turn {
	t := &Turn{
		id:        id,
		sess:      sess,
		gate:      gate,
		scope:     scope,
		approvals: newApprovalTable(),
		events:    make(chan StepEvent, 256),
		executor:  NewExecutor(sess.registry, sess.env, sess.config.ToolTimeout),
	}
	t.stepper = NewStepper(StepperConfig{
		MaxRounds:  sess.config.MaxToolRounds,
		Classify:   gate.Classify,
		CharLimits: sess.config.ToolCharLimits,
		LineLimits: sess.config.ToolLineLimits,
	})
	return t
}

// ID returns the turn identifier used by CancelTurn.
func (t *Turn) ID() string { return t.id }

// run drives the turn to a terminal outcome. It returns nil on completion,
// ErrCancelled on cancellation, and the underlying failure otherwise.
func (t *Turn) run(input string) error {
	_, span := otel.Tracer("drover/agent").Start(t.scope.Context(), "agent.turn",
		trace.WithAttributes(
			attribute.String("turn.id", t.id),
			attribute.String("session.id", t.sess.id),
		))
	defer span.End()
	defer t.scope.release()

	t.step(UserInputEvent{Content: input})
	for !t.finished {
		ev := <-t.events
		if t.scope.Triggered() {
			// A cancel raced ahead of this event. Surface any tool result it
			// carries, then drive the machine to its terminal state.
			t.lateEvent(ev)
			if _, isCancel := ev.(CancelEvent); !isCancel {
				ev = CancelEvent{}
			}
		}
		t.step(ev)
	}
	t.drain()
	t.emitTerminal()

	span.SetAttributes(attribute.String("turn.outcome", string(t.outcome)))
	switch t.outcome {
	case OutcomeCompleted:
		return nil
	case OutcomeCancelled:
		span.SetStatus(codes.Error, "cancelled")
		return ErrCancelled
	default:
		if t.failure != nil {
			span.SetStatus(codes.Error, t.failure.Error())
		}
		return t.failure
	}
}

// feed queues one event for the turn loop without blocking forever: once the
// scope's context ends, producers give up instead of wedging.
func (t *Turn) feed(ev StepEvent) {
	select {
	case t.events <- ev:
	case <-t.scope.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

func (t *Turn) step(ev StepEvent) {
	effects, err := t.stepper.Apply(ev)
	if err != nil {
		// Impossible input in the current phase. The stream stays honest: the
		// violation is reported, then the turn fails rather than limping on
		// with corrupt state.
		t.emit(Event{Kind: EventWarning, Warning: err.Error()})
		t.finished = true
		t.outcome = OutcomeFailed
		t.failure = err
		t.scope.Cancel()
		return
	}
	t.dispatch(effects)
}

func (t *Turn) dispatch(effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case AppendMessageEffect:
			msg := e.Message
			t.sess.appendHistory(msg)
			t.emit(Event{Kind: EventMessageAppended, Message: &msg})

		case EmitDeltaEffect:
			t.emit(Event{Kind: EventAssistantTextDelta, Delta: e.Delta})

		case CallModelEffect:
			t.steerIfLooping()
			req := t.sess.buildRequest(t.gate)
			go t.streamModel(req)

		case ExecuteToolEffect:
			call := e.Call
			t.emit(Event{Kind: EventToolCallStarted, Call: &call})
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.feed(ToolResultEvent{Result: t.executor.Execute(t.scope, call)})
			}()

		case RequestApprovalEffect:
			call := e.Call
			t.approvals.add(call)
			t.emit(Event{Kind: EventApprovalRequested, Call: &call})

		case EmitResultEffect:
			t.emitResult(e.Result)

		case AbortEffect:
			t.scope.Cancel()
			for _, call := range t.approvals.cancelAll() {
				t.emitResult(errorResult(call, NewToolError(ToolErrCancelled, "turn cancelled")))
			}

		case FinishEffect:
			t.finished = true
			t.outcome = e.Outcome
			t.failure = e.Err
		}
	}
}

// drain waits for in-flight tool tasks after the terminal state, surfacing
// their late results so every dispatched call still resolves exactly once.
func (t *Turn) drain() {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	for {
		select {
		case ev := <-t.events:
			t.lateEvent(ev)
		case <-done:
			for {
				select {
				case ev := <-t.events:
					t.lateEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// lateEvent handles events that arrive at or after the terminal transition.
// Tool results still resolve; everything else is inert.
func (t *Turn) lateEvent(ev StepEvent) {
	if e, ok := ev.(ToolResultEvent); ok {
		t.emitResult(e.Result)
	}
}

func (t *Turn) emit(ev Event) {
	ev.SessionID = t.sess.id
	ev.TurnID = t.id
	t.sess.emitter.Emit(ev)
}

func (t *Turn) emitResult(result ToolResult) {
	r := result
	t.emit(Event{Kind: EventToolCallCompleted, Result: &r})
}

func (t *Turn) emitTerminal() {
	usage := t.stepper.Usage()
	t.sess.addUsage(usage)
	ev := Event{Usage: &usage}
	switch t.outcome {
	case OutcomeCompleted:
		ev.Kind = EventTurnCompleted
	case OutcomeCancelled:
		ev.Kind = EventTurnCancelled
	default:
		ev.Kind = EventTurnFailed
		if t.failure != nil {
			ev.Err = t.failure.Error()
		}
	}
	t.emit(ev)
}

// steerIfLooping injects a steering message when the recent tool calls
// repeat. At most once per turn.
func (t *Turn) steerIfLooping() {
	cfg := t.sess.config
	if !cfg.EnableLoopDetection || t.steered {
		return
	}
	if !DetectLoop(t.sess.historySnapshot(), cfg.LoopDetectionWindow) {
		return
	}
	t.steered = true
	msg := llmstream.SystemMessage(loopSteeringMessage)
	t.sess.appendHistory(msg)
	t.emit(Event{Kind: EventWarning, Warning: "repeating tool calls detected; steering the model"})
	t.emit(Event{Kind: EventMessageAppended, Message: &msg})
}

// streamModel runs one model call on its own goroutine, translating the
// normalized stream into step events. Transient failures are retried with
// backoff, but only while nothing has been forwarded yet; once content
// reaches the Stepper the call is committed.
func (t *Turn) streamModel(req llmstream.Request) {
	ctx := t.scope.Context()
	policy := t.sess.config.Retry

	for attempt := 0; ; attempt++ {
		ch, err := t.sess.client.Stream(ctx, req)
		if err != nil {
			if t.retryWait(ctx, policy, attempt, err) {
				continue
			}
			t.feed(ModelFailedEvent{Err: err})
			return
		}

		forwarded := false
		retrying := false
		for ev := range ch {
			switch ev.Type {
			case llmstream.TextDelta:
				forwarded = true
				t.feed(ModelTextDeltaEvent{Delta: ev.Delta})
			case llmstream.ToolCallStart:
				forwarded = true
				t.feed(ModelToolCallStartEvent{ID: ev.ToolCallID, Name: ev.ToolName})
			case llmstream.ToolCallArgsDelta:
				t.feed(ModelToolCallArgsDeltaEvent{ID: ev.ToolCallID, Delta: ev.ArgsDelta})
			case llmstream.ToolCallEnd:
				var args json.RawMessage
				if ev.Call != nil {
					args = ev.Call.Arguments
				}
				t.feed(ModelToolCallEndEvent{ID: ev.ToolCallID, Arguments: args})
			case llmstream.UsageReported:
				if ev.Usage != nil {
					t.feed(ModelUsageEvent{Usage: *ev.Usage})
				}
			case llmstream.StreamCompleted:
				t.feed(ModelCompletedEvent{})
				return
			case llmstream.StreamError:
				if !forwarded && t.retryWait(ctx, policy, attempt, ev.Err) {
					retrying = true
					break
				}
				t.feed(ModelFailedEvent{Err: ev.Err})
				return
			}
			if retrying {
				break
			}
		}
		if retrying {
			continue
		}
		t.feed(ModelFailedEvent{Err: &llmstream.MalformedResponseError{
			AdapterError: llmstream.AdapterError{Message: "stream ended without completion"},
		}})
		return
	}
}

// retryWait decides whether a model failure is worth another attempt and, if
// so, sleeps out the backoff. Returns false when the error is fatal, the
// budget is spent, or the scope cancels during the wait.
func (t *Turn) retryWait(ctx context.Context, policy llmstream.RetryPolicy, attempt int, err error) bool {
	if attempt >= policy.MaxRetries || !llmstream.IsRetryable(err) {
		return false
	}
	delay := policy.Delay(attempt)
	if rl, ok := err.(*llmstream.RateLimitError); ok && rl.RetryAfter != nil {
		hinted := time.Duration(*rl.RetryAfter * float64(time.Second))
		if hinted > time.Duration(policy.MaxDelay*float64(time.Second)) {
			return false
		}
		delay = hinted
	}
	t.emit(Event{Kind: EventWarning, Warning: "transient model error, retrying: " + err.Error()})
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
