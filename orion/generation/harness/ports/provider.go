package harnessports

import (
	"context"
)

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions, sent first
	Messages []Message         // ordered chat history
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Tool choice values understood by every provider. Any other value names a
// specific tool the model is forced to call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// Options controls sampling, limits, determinism, and tool preferences.
type Options struct {
	Model        string // overrides the provider default when set
	MaxNewTokens int
	Temperature  float32
	Seed         int
	// ToolChoice: "auto" | "none" | "required" | specific tool name
	ToolChoice        string
	ParallelToolCalls bool
	// TimeoutMs applies to the provider call only (not overall harness deadline)
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response: text, tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging/telemetry
	Usage     *Usage // optional usage information
}

// Provider is the abstraction for all LLM backends. Implementations must echo
// back the tool call ids they were given so results can be correlated.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
