package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/drover/llmstream"
)

// loopSteeringMessage is injected when the recent tool calls repeat.
const loopSteeringMessage = "You appear to be repeating the same tool calls without making progress. " +
	"Step back, reconsider the approach, and either try something different or report what is blocking you."

// toolCallSignature is a deterministic fingerprint of one call: name plus a
// hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures walks history backwards collecting up to count
// signatures from assistant messages, returned in chronological order.
func recentToolCallSignatures(history []llmstream.Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		msg := history[i]
		if msg.Role != llmstream.RoleAssistant {
			continue
		}
		calls := msg.ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls in history form
// a repeating pattern of length 1, 2, or 3.
func DetectLoop(history []llmstream.Message, windowSize int) bool {
	sigs := recentToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
