package llmstream

import "strings"

// ModelInfo describes a known model in the built-in catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-1", Provider: "anthropic",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "gpt-4o", Provider: "openai",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"4o"},
	},
	{
		ID: "gpt-4o-mini", Provider: "openai",
		ContextWindow: 128000, SupportsTools: true,
		Aliases: []string{"4o-mini"},
	},
	{
		ID: "gemini-2.5-pro", Provider: "gemini",
		ContextWindow: 1048576, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil if
// unknown.
func GetModelInfo(modelID string) *ModelInfo {
	lower := strings.ToLower(modelID)
	for i := range Models {
		if strings.ToLower(Models[i].ID) == lower {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if strings.ToLower(alias) == lower {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the default model id for a provider.
func DefaultModel(provider string) string {
	for i := range Models {
		if Models[i].Provider == provider {
			return Models[i].ID
		}
	}
	return "gpt-4o-mini"
}

// ContextWindowFor returns the context window for a model, or a conservative
// default when the model is not in the catalog.
func ContextWindowFor(modelID string) int {
	if info := GetModelInfo(modelID); info != nil {
		return info.ContextWindow
	}
	return 128000
}
