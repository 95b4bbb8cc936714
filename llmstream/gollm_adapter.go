package llmstream

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements Adapter. It
// translates the normalized request into gollm's prompt API and re-emits the
// provider response as the normalized event stream, including tool-call
// blocks parsed from providers that return them inline as JSON.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey is
// empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the interpreter
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &AdapterError{Message: "failed to create gollm backend for " + provider, Cause: err}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string { return a.provider }

// Stream sends the request and returns the normalized event sequence. When
// the backend supports token streaming, text deltas are forwarded as they
// arrive; tool calls are parsed from the completed text and emitted as
// start/args-delta/end triples before StreamCompleted.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			ch <- StreamEvent{Type: TextDelta, Delta: a.stripToolCallJSON(text)}
			a.emitTail(ch, req, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			ch <- StreamEvent{Type: TextDelta, Delta: token.Text}
			fullText.WriteString(token.Text)
		}
		a.emitTail(ch, req, fullText.String())
	}()

	return ch, nil
}

// emitTail emits tool-call blocks parsed from the full text, usage, and the
// completion event.
func (a *GollmAdapter) emitTail(ch chan<- StreamEvent, req Request, text string) {
	calls := a.parseToolCalls(text)
	for i := range calls {
		calls[i].Ordinal = i
		ch <- StreamEvent{Type: ToolCallStart, ToolCallID: calls[i].ID, ToolName: calls[i].Name}
		ch <- StreamEvent{Type: ToolCallArgsDelta, ToolCallID: calls[i].ID, ArgsDelta: string(calls[i].Arguments)}
		call := calls[i]
		ch <- StreamEvent{Type: ToolCallEnd, ToolCallID: call.ID, Call: &call}
	}

	usage := a.estimateUsage(req, text)
	ch <- StreamEvent{Type: UsageReported, Usage: &usage}

	reason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		reason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}
	ch <- StreamEvent{Type: StreamCompleted, FinishReason: &reason}
}

// translateRequest converts a normalized Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) (*gollm.Prompt, error) {
	var systemPrompt string
	var userParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			userParts = append(userParts, msg.TextContent())
		case RoleAssistant:
			text := msg.TextContent()
			if text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				userParts = append(userParts, "[Assistant called "+call.Name+"]: "+string(call.Arguments))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					userParts = append(userParts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

// applyRequestOptions applies request-level parameters to the gollm backend.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// parseToolCalls extracts tool calls that gollm returns embedded in the
// response text as JSON.
func (a *GollmAdapter) parseToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		start = strings.Index(text, `{"tool_calls"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// stripToolCallJSON removes inline tool-call JSON from assistant text so the
// text deltas carry prose only.
func (a *GollmAdapter) stripToolCallJSON(text string) string {
	result := text
	for _, pattern := range []string{`[{"name"`, `{"tool_calls"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError converts a gollm error into the adapter error taxonomy.
// gollm surfaces provider failures as strings, so classification is by
// message content.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	msgLower := strings.ToLower(msg)

	wrap := func(status int, retryable bool) *ProviderError {
		return &ProviderError{
			AdapterError: AdapterError{Message: msg, Cause: err},
			Provider:     a.provider,
			StatusCode:   status,
			Retryable:    retryable,
		}
	}

	switch {
	case strings.Contains(msgLower, "401"), strings.Contains(msgLower, "unauthorized"),
		strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: *wrap(401, false)}
	case strings.Contains(msgLower, "403"), strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: *wrap(403, false)}
	case strings.Contains(msgLower, "404"), strings.Contains(msgLower, "not found"):
		return &NotFoundError{ProviderError: *wrap(404, false)}
	case strings.Contains(msgLower, "429"), strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: *wrap(429, true)}
	case strings.Contains(msgLower, "context length"), strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: *wrap(413, false)}
	case strings.Contains(msgLower, "500"), strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: *wrap(500, true)}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{AdapterError: AdapterError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter"), strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: *wrap(0, false)}
	default:
		return wrap(0, true)
	}
}

// estimateUsage approximates token usage from text length. gollm does not
// expose provider usage counters.
func (a *GollmAdapter) estimateUsage(req Request, text string) Usage {
	input := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				input += len(part.Text) / 4
			}
		}
	}
	if input == 0 {
		input = 10
	}
	output := len(text) / 4
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}
