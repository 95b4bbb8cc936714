package llmstream

import "context"

// Adapter is the interface every provider backend implements. Stream sends
// the request and returns a channel of normalized events. The channel is
// closed after StreamCompleted or StreamError; consumers must not assume any
// provider-specific ordering beyond the normalized vocabulary.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Stream sends a request and returns the normalized event sequence.
	// A non-nil error means the stream could not be established; errors
	// occurring mid-stream arrive as a StreamError event instead.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
