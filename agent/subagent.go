package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/martinemde/drover/llmstream"
)

// registerDispatchAgent installs the dispatch_agent tool, which runs a task
// in a child session with its own history and returns the child's final
// response. Nesting is bounded by MaxSubagentDepth; at the limit the tool is
// simply not registered, so the model never sees it.
func registerDispatchAgent(reg *ToolRegistry, parent *Session) {
	reg.Register(&Tool{
		Definition: toolDef("dispatch_agent",
			"Dispatch a sub-agent to perform a self-contained task and report back. "+
				"The sub-agent has its own conversation and the same tools, but cannot ask for approval.",
			objectSchema([]string{"task"}, map[string]interface{}{
				"task": stringProp("Complete, standalone instructions for the sub-agent."),
			})),
		Run: func(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
			var args struct {
				Task string `json:"task"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Task) == "" {
				return "", InvalidParams("task is required")
			}

			child := parent.spawnChild()
			defer child.Close()

			// Child events flow onto the parent stream; their session id
			// tells consumers which agent produced them.
			go func() {
				for ev := range child.Events() {
					parent.emitter.Emit(ev)
				}
			}()

			if err := child.Submit(ctx, args.Task); err != nil {
				return "", err
			}
			text := finalAssistantText(child.History())
			if text == "" {
				return "The sub-agent finished without a report.", nil
			}
			return text, nil
		},
	})
}

// spawnChild builds the subagent session: same client and environment, one
// level deeper, with approvals resolved by policy alone since no human is
// attached to a subagent.
func (s *Session) spawnChild() *Session {
	policy := s.policy
	policy.Default = StanceAllow

	cfg := s.config
	cfg.subagentDepth++
	cfg.SystemPrompt = ""
	cfg.EventBuffer = s.config.EventBuffer

	return NewSession(s.client, s.env, policy, &cfg)
}

func finalAssistantText(history []llmstream.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llmstream.RoleAssistant {
			if text := history[i].TextContent(); text != "" {
				return text
			}
		}
	}
	return ""
}
