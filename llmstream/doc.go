// Package llmstream is the model-provider boundary for the drover agent core.
//
// It defines a provider-agnostic conversation vocabulary (Message, ContentPart,
// ToolCall) and a normalized stream-event vocabulary (TextDelta, ToolCallStart,
// ToolCallArgsDelta, ToolCallEnd, UsageReported, StreamCompleted, StreamError).
// Provider-specific request and response formats never cross this boundary: an
// Adapter translates them into the normalized stream, and the agent core
// consumes only that stream.
//
// The package also carries the transport error taxonomy with retryability
// classification (IsRetryable) and a generic Retry helper with exponential
// backoff and jitter, which the agent interpreter uses for transient failures.
//
// # Quick Start
//
//	adapter, _ := llmstream.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := llmstream.NewClient(
//	    llmstream.WithAdapter("anthropic", adapter),
//	    llmstream.WithDefaultProvider("anthropic"),
//	)
//
//	events, err := client.Stream(ctx, llmstream.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []llmstream.Message{llmstream.UserMessage("hello")},
//	})
package llmstream
