// Package agent implements the drover agent execution core.
//
// One Turn drives a user input through repeated rounds of model call, tool
// extraction, approval gating, concurrent tool execution, and result
// injection until the model produces a final message with no tool calls, or
// the turn is cancelled or fails.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Stepper: a synchronous, I/O-free state machine. Given the current turn
//     state and one incoming event it computes the next state and a list of
//     effects. All turn logic lives here, testable without goroutines.
//   - Turn (interpreter): the effectful shell that owns one turn. It
//     dispatches Stepper effects to the model client, the tool Executor, and
//     the approval Gate, feeds results back in, and publishes the ordered
//     external event stream.
//   - Executor: runs one tool call to completion under a timeout with
//     cooperative cancellation, normalizing every outcome to a ToolResult.
//   - Gate: classifies tool calls against an approval policy snapshot;
//     "ask" calls suspend as PendingApprovals until a decision arrives.
//   - CancelScope: the shared, monotonic cancellation signal for everything
//     spawned within one turn.
//   - Session: the multi-turn owner holding conversation history, the policy
//     snapshot per turn, session-scoped "always allow" grants, and the
//     command surface (Submit, ResolveApproval, CancelTurn).
//
// # Quick Start
//
//	client := llmstream.NewClient(
//	    llmstream.WithAdapter("anthropic", adapter),
//	    llmstream.WithDefaultProvider("anthropic"),
//	)
//	env := agent.NewLocalEnv("/path/to/project")
//	sess := agent.NewSession(client, env, agent.DefaultApprovalPolicy(), nil)
//	defer sess.Close()
//
//	go func() {
//	    for event := range sess.Events() {
//	        fmt.Printf("[%s] %s\n", event.Kind, event.Delta)
//	    }
//	}()
//
//	if err := sess.Submit(ctx, "List the files in /tmp"); err != nil {
//	    log.Fatal(err)
//	}
//
// Subscribers must drain Events(): the stream is complete and ordered so a
// persistence layer can replay it, which means emission blocks rather than
// drops when the channel backs up.
package agent
