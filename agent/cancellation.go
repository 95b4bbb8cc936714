package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelScope is the single cancellation signal shared by everything spawned
// within one turn: the model stream, tool executions, and subagent sessions
// all derive their contexts from it. Cancellation is monotonic: once
// triggered the scope never untriggers, and repeat triggers are no-ops.
type CancelScope struct {
	ctx       context.Context
	cancel    context.CancelFunc
	triggered atomic.Bool
	once      sync.Once
}

// NewCancelScope derives a scope from parent. Cancelling the parent context
// cancels the scope's context too, but does not mark the scope as triggered;
// Triggered reports only explicit Cancel calls.
func NewCancelScope(parent context.Context) *CancelScope {
	ctx, cancel := context.WithCancel(parent)
	return &CancelScope{ctx: ctx, cancel: cancel}
}

// Context returns the context to pass to all work owned by the scope.
func (s *CancelScope) Context() context.Context { return s.ctx }

// Done returns a channel closed when the scope's context ends, whether by
// Cancel or by parent cancellation.
func (s *CancelScope) Done() <-chan struct{} { return s.ctx.Done() }

// Cancel triggers the scope. Safe to call from any goroutine, any number of
// times.
func (s *CancelScope) Cancel() {
	s.once.Do(func() {
		s.triggered.Store(true)
		s.cancel()
	})
}

// Triggered reports whether Cancel has been called.
func (s *CancelScope) Triggered() bool { return s.triggered.Load() }

// release frees the scope's context resources without marking the scope
// triggered. Called when the owning turn reaches a terminal state.
func (s *CancelScope) release() { s.cancel() }
