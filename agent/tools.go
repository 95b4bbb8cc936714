package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/martinemde/drover/llmstream"
)

// ToolFunc executes one tool call. The context carries the per-call deadline
// and the turn's cancellation signal; implementations must honor it on any
// blocking work. Returning a *ToolError preserves the failure kind; any
// other error is normalized to an execution failure.
type ToolFunc func(ctx context.Context, args json.RawMessage, env ExecutionEnvironment) (string, error)

// Tool pairs a definition advertised to the model with its implementation.
type Tool struct {
	Definition llmstream.ToolDefinition
	ReadOnly   bool
	Run        ToolFunc
}

// ToolResult is the normalized outcome of exactly one tool call. Every
// dispatched or denied call produces exactly one of these.
type ToolResult struct {
	CallID  string     `json:"call_id"`
	Name    string     `json:"name"`
	Content string     `json:"content,omitempty"`
	Err     *ToolError `json:"error,omitempty"`
}

// IsError reports whether the call failed.
func (r ToolResult) IsError() bool { return r.Err != nil }

// Text returns the content surfaced to the model: the output on success, the
// kind-prefixed error message on failure.
func (r ToolResult) Text() string {
	if r.Err != nil {
		return "Error (" + string(r.Err.Kind) + "): " + r.Err.Message
	}
	return r.Content
}

// errorResult builds a failed ToolResult for a call.
func errorResult(call llmstream.ToolCall, err *ToolError) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Err: err}
}

// ToolRegistry holds the tools available to a session.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool by its definition name.
func (r *ToolRegistry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
}

// Get returns the tool with the given name, or nil.
func (r *ToolRegistry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns the advertised tool definitions, sorted by name for a
// stable request encoding.
func (r *ToolRegistry) Definitions() []llmstream.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llmstream.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func toolDef(name, description string, parameters map[string]interface{}) llmstream.ToolDefinition {
	return llmstream.ToolDefinition{Name: name, Description: description, Parameters: parameters}
}

// decodeArgs unmarshals call arguments into dst, mapping failures to the
// invalid_params kind.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return InvalidParams("malformed arguments: %v", err)
	}
	return nil
}
