package chat

import (
	"fmt"
	"strings"
)

const (
	contextHeader  = "Context of our conversation:"
	questionPrefix = "Current question: "
)

// AssemblePrompt serializes the history and the new question into a single
// prompt so the stateless runtime sees the conversation.
func AssemblePrompt(history []Turn, question string) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Content))
	}

	var sb strings.Builder
	sb.WriteString(contextHeader)
	sb.WriteString("\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(questionPrefix)
	sb.WriteString(question)
	return sb.String()
}

// WindowHistory keeps the newest maxTurns turns. maxTurns <= 0 keeps everything.
func WindowHistory(history []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 || len(history) <= maxTurns {
		return history
	}
	return history[len(history)-maxTurns:]
}
