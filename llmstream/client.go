package llmstream

import (
	"context"
	"fmt"
	"sync"
)

// Client routes requests to registered provider adapters. It is the single
// object the agent core holds; provider selection happens per-request via
// Request.Provider, falling back to the configured default.
type Client struct {
	adapters        map[string]Adapter
	defaultProvider string
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdapter registers a provider adapter under a name.
func WithAdapter(name string, adapter Adapter) ClientOption {
	return func(c *Client) {
		c.adapters[name] = adapter
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]Adapter)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAdapter adds or replaces a provider adapter.
func (c *Client) RegisterAdapter(name string, adapter Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[name] = adapter
}

// Providers returns the names of all registered adapters.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	return names
}

// resolve returns the adapter for a request's provider.
func (c *Client) resolve(provider string) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &AdapterError{Message: "no provider specified and no default configured"}
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &AdapterError{Message: fmt.Sprintf("unknown provider %q", name)}
	}
	return adapter, nil
}

// Stream routes a streaming request to the appropriate adapter.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	return adapter.Stream(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
