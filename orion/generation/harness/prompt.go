package harness

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

// DefaultSystemPrompt steers the general-purpose assistant.
const DefaultSystemPrompt = `You are a helpful personal assistant with access to the user's calendar, emails, code issues, repository files, local files, restaurants, system logs and expense transactions through tools.

Use the tools to gather the facts you need before answering. Call several tools in parallel when their inputs are independent.

Never create, modify or book anything without explicit consent from the user. Before calling create_calendar_event, describe the event you intend to create and wait for the user to confirm.

If information you need cannot be found in the tool data or inferred from the conversation, ask the user instead of guessing.`

// FinalAnswerInstruction is sent with tools disabled once tool data has been
// gathered.
func FinalAnswerInstruction(results []ToolResult) string {
	var b strings.Builder
	b.WriteString("Tool data acquired:\n")
	for _, r := range results {
		content := r.Content
		if len(content) > 2000 {
			content = content[:2000] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, content)
	}
	b.WriteString("\nNow answer the user's original question using this information.")
	return b.String()
}

// PromptBuilder assembles model-ready inputs from system text, messages, and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build normalizes text and packages the provider input. messages is copied,
// never modified.
func (b *PromptBuilder) Build(system string, messages []ports.Message, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace to reduce prompt diffs for caching
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	out := make([]ports.Message, len(messages))
	for i, m := range messages {
		m.Content = norm(m.Content)
		out[i] = m
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: out,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}
