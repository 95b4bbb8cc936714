package agent

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Per-tool character budgets for output injected into history. The full
// untruncated output still flows through the event stream.
var defaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"shell":          30000,
	"grep":           20000,
	"glob":           20000,
	"list_dir":       20000,
	"edit_file":      10000,
	"write_file":     1000,
	"dispatch_agent": 20000,
}

var defaultTruncationModes = map[string]TruncationMode{
	"read_file":      TruncateHeadTail,
	"shell":          TruncateHeadTail,
	"grep":           TruncateTail,
	"glob":           TruncateTail,
	"list_dir":       TruncateTail,
	"edit_file":      TruncateTail,
	"write_file":     TruncateTail,
	"dispatch_agent": TruncateHeadTail,
}

// Line limits applied after character truncation.
var defaultToolLineLimits = map[string]int{
	"shell":    256,
	"grep":     200,
	"glob":     500,
	"list_dir": 500,
}

const fallbackCharLimit = 30000

// TruncateOutput applies character-based truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"The full output is available in the event stream. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the per-tool truncation pipeline: characters
// first, then lines. Overrides fall back to the built-in defaults per tool.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		if maxChars, ok = defaultToolCharLimits[toolName]; !ok {
			maxChars = fallbackCharLimit
		}
	}
	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines := lineLimits[toolName]
	if maxLines == 0 {
		maxLines = defaultToolLineLimits[toolName]
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}
	return result
}
