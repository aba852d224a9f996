// Package learned holds the skill library: tool definitions synthesized by
// the pattern miner and served to the trigger dispatcher.
package learned

import (
	"errors"
	"fmt"
	"slices"
)

// MaxInternalTurns bounds the sub-loop of every learned tool.
const MaxInternalTurns = 3

var ErrInvalidDefinition = errors.New("invalid tool definition")

// ToolDefinition is one learned tool. The JSON field names are the on-disk
// format of the tools file.
type ToolDefinition struct {
	ToolName                    string   `json:"tool_name"`
	Objective                   string   `json:"objective"`
	TriggerPatterns             []string `json:"trigger_patterns"`
	FileTypePatterns            []string `json:"file_type_patterns,omitempty"`
	OptimizedSystemPrompt       string   `json:"optimized_system_prompt"`
	ToolSequence                []string `json:"tool_sequence"`
	ContextHandlingInstructions string   `json:"context_handling_instructions,omitempty"`
	MaxInternalTurns            int      `json:"max_internal_turns"`
	SuccessCriteria             string   `json:"success_criteria,omitempty"`
	FallbackStrategy            string   `json:"fallback_strategy,omitempty"`
	CreatedAt                   string   `json:"created_at"`
	SourceWorkflowComplexity    int      `json:"source_workflow_complexity"`
	// SourceSignature identifies the workflow the tool was mined from so
	// re-mining the same segment is recognised.
	SourceSignature string `json:"source_signature,omitempty"`
}

// Validate checks the structural fields every stored definition needs.
func (d ToolDefinition) Validate() error {
	switch {
	case d.ToolName == "":
		return fmt.Errorf("%w: tool_name is empty", ErrInvalidDefinition)
	case d.OptimizedSystemPrompt == "":
		return fmt.Errorf("%w: %s has no system prompt", ErrInvalidDefinition, d.ToolName)
	case len(d.ToolSequence) == 0:
		return fmt.Errorf("%w: %s has an empty tool_sequence", ErrInvalidDefinition, d.ToolName)
	case d.MaxInternalTurns < 0 || d.MaxInternalTurns > MaxInternalTurns:
		return fmt.Errorf("%w: %s max_internal_turns %d outside [1,%d]", ErrInvalidDefinition, d.ToolName, d.MaxInternalTurns, MaxInternalTurns)
	}
	return nil
}

// Turns returns the sub-loop bound, using fallback when the definition
// leaves it unset. The result is always within [1, MaxInternalTurns].
func (d ToolDefinition) Turns(fallback int) int {
	n := d.MaxInternalTurns
	if n <= 0 {
		n = fallback
	}
	return max(1, min(n, MaxInternalTurns))
}

func (d ToolDefinition) clone() ToolDefinition {
	d.TriggerPatterns = slices.Clone(d.TriggerPatterns)
	d.FileTypePatterns = slices.Clone(d.FileTypePatterns)
	d.ToolSequence = slices.Clone(d.ToolSequence)
	return d
}
