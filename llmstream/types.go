package llmstream

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ImageData holds image content as either a URL or raw bytes.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCall is a model-requested tool invocation. The Ordinal is the call's
// emission position within its round; history appends preserve ordinal order
// no matter what order execution completes in.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Ordinal   int             `json:"ordinal"`
}

// ToolResultData is the wire shape of a resolved tool call inside a message.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentPart is a tagged union representing one block of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(call ToolCall) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &call}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// Message is one immutable record in conversation history: a role plus
// ordered content blocks. Streaming assistant output is collapsed into a
// single Message when the stream ends; messages are never mutated in place.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text blocks.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all tool call blocks in emission order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage creates a tool-role Message carrying one result.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
		ToolCallID: toolCallID,
	}
}

// ToolDefinition describes a tool to the model (JSON Schema parameters).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error"
	Raw    string `json:"raw,omitempty"`
}

// Request is the input for a streaming model call. The agent core sends the
// full message history plus the currently-visible tool schema on every round.
type Request struct {
	Model           string                 `json:"model"`
	Messages        []Message              `json:"messages"`
	Provider        string                 `json:"provider,omitempty"`
	ToolDefs        []ToolDefinition       `json:"tools,omitempty"`
	Temperature     *float64               `json:"temperature,omitempty"`
	MaxTokens       *int                   `json:"max_tokens,omitempty"`
	ProviderOptions map[string]interface{} `json:"provider_options,omitempty"`
}

// EventType identifies the kind of normalized stream event.
type EventType string

const (
	// TextDelta carries an incremental chunk of assistant text.
	TextDelta EventType = "text_delta"
	// ToolCallStart announces a tool-call block with its id and tool name.
	ToolCallStart EventType = "tool_call_start"
	// ToolCallArgsDelta carries an incremental chunk of the call's JSON arguments.
	ToolCallArgsDelta EventType = "tool_call_args_delta"
	// ToolCallEnd closes a tool-call block; Call holds the finalized arguments.
	ToolCallEnd EventType = "tool_call_end"
	// UsageReported carries token accounting for the call.
	UsageReported EventType = "usage_reported"
	// StreamCompleted is the final event of a successful stream.
	StreamCompleted EventType = "stream_completed"
	// StreamError terminates the stream with Err set; no further events follow.
	StreamError EventType = "stream_error"
)

// StreamEvent is one normalized event from a model response stream. The
// sequence is finite and not restartable: after StreamCompleted or
// StreamError the channel is closed.
type StreamEvent struct {
	Type         EventType     `json:"type"`
	Delta        string        `json:"delta,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	ToolName     string        `json:"tool_name,omitempty"`
	ArgsDelta    string        `json:"args_delta,omitempty"`
	Call         *ToolCall     `json:"call,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	FinishReason *FinishReason `json:"finish_reason,omitempty"`
	Err          error         `json:"-"`
}
