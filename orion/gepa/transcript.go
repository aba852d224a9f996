package gepa

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

// RenderTranscript renders a thread as role-tagged lines. Tool requests show
// only the tool names and tool results are left out.
func RenderTranscript(t *threads.Thread) string {
	var b strings.Builder
	for _, turn := range t.Turns {
		switch turn.Type {
		case threads.TurnUserInput:
			fmt.Fprintf(&b, "Turn %d - USER: %s\n", turn.Turn, turn.Content)
		case threads.TurnAssistantResponse:
			fmt.Fprintf(&b, "Turn %d - ASSISTANT: %s\n", turn.Turn, turn.Content)
		case threads.TurnAssistantToolRequest:
			names := make([]string, 0, len(turn.ToolCalls))
			for _, c := range turn.ToolCalls {
				names = append(names, c.Function)
			}
			fmt.Fprintf(&b, "Turn %d - ASSISTANT_TOOLS: [%s]\n", turn.Turn, strings.Join(names, ", "))
		}
	}
	return b.String()
}

// observe collects the tool calls and results of the turns in a segment.
func observe(turns []threads.Turn) ([]ToolInvocation, []ToolOutcome) {
	var (
		calls    []ToolInvocation
		outcomes []ToolOutcome
	)
	for _, turn := range turns {
		switch turn.Type {
		case threads.TurnAssistantToolRequest:
			for _, c := range turn.ToolCalls {
				calls = append(calls, ToolInvocation{Turn: turn.Turn, Tool: c.Function, Arguments: c.Arguments})
			}
		case threads.TurnToolResult:
			outcomes = append(outcomes, ToolOutcome{
				Turn:         turn.Turn,
				Tool:         turn.ToolName,
				Success:      turn.Success,
				OutputLength: len(turn.Content),
			})
		}
	}
	return calls, outcomes
}

// uniqueTools returns the distinct tool names of calls in first-seen order.
func uniqueTools(calls []ToolInvocation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range calls {
		if !seen[c.Tool] {
			seen[c.Tool] = true
			out = append(out, c.Tool)
		}
	}
	return out
}
