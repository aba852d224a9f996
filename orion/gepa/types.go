// Package gepa mines saved conversation threads for repeated multi-tool
// workflows and synthesizes learned tools from them.
package gepa

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

var ErrConstraintViolation = errors.New("synthesized tool violates constraints")

// Potential is the judged value of automating a workflow.
type Potential string

const (
	PotentialLow    Potential = "LOW"
	PotentialMedium Potential = "MEDIUM"
	PotentialHigh   Potential = "HIGH"
)

// ParsePotential normalises a judged potential. Anything unrecognised is LOW.
func ParsePotential(s string) Potential {
	switch p := Potential(strings.ToUpper(strings.TrimSpace(s))); p {
	case PotentialMedium, PotentialHigh:
		return p
	default:
		return PotentialLow
	}
}

// Segment is a span of turns serving one user objective.
type Segment struct {
	ID                int    `json:"segment_id"`
	StartTurn         int    `json:"turn_id_for_split_start"`
	EndTurn           int    `json:"turn_id_for_split_end"`
	Objective         string `json:"user_objective_description"`
	IsComplexWorkflow bool   `json:"is_complex_workflow"`
	UserTurns         int    `json:"user_turns_in_segment"`
	AssistantTurns    int    `json:"assistant_turns_in_segment"`

	// ThreadID is the thread the segment was cut from.
	ThreadID string `json:"-"`
}

// Step is one tool execution in a workflow.
type Step struct {
	Index   int    `json:"step"`
	Tool    string `json:"tool"`
	Purpose string `json:"purpose"`
}

// Dependency records data flowing from one tool call into another.
type Dependency struct {
	FromTool string `json:"from_tool"`
	ToTool   string `json:"to_tool"`
	Data     string `json:"data_passed"`
}

// WorkflowAnalysis is the judged structure of a segment.
type WorkflowAnalysis struct {
	ToolsUsed           []string     `json:"tools_used_list"`
	Steps               []Step       `json:"tool_execution_order"`
	Dependencies        []Dependency `json:"context_dependencies"`
	MultiTurnRefinement bool         `json:"multi_turn_refinement_needed"`
	UserGuidance        bool         `json:"user_had_to_guide_process"`
	Complexity          int          `json:"workflow_complexity_score"`
	Potential           Potential    `json:"optimization_potential"`
}

// CoverageVerdict decides whether a workflow deserves a new learned tool.
type CoverageVerdict struct {
	NewToolNeeded     bool   `json:"new_tool_needed"`
	Reasoning         string `json:"reasoning"`
	ExistingToolMatch string `json:"existing_tool_match,omitempty"`
	Justification     string `json:"workflow_justification,omitempty"`
}

// ToolInvocation is a tool call observed inside a segment.
type ToolInvocation struct {
	Turn      int             `json:"turn"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolOutcome is a tool result observed inside a segment.
type ToolOutcome struct {
	Turn         int    `json:"turn"`
	Tool         string `json:"tool"`
	Success      bool   `json:"success"`
	OutputLength int    `json:"output_length"`
}

type SegmentRequest struct {
	ThreadID   string
	Transcript string
}

type ScoreRequest struct {
	Objective   string
	Invocations []ToolInvocation
	Outcomes    []ToolOutcome
	TotalTurns  int
	UserTurns   int
}

type CoverageRequest struct {
	Objective string
	Workflow  WorkflowAnalysis
	Existing  []learned.ToolDefinition
}

type SynthesisRequest struct {
	Objective     string
	Workflow      WorkflowAnalysis
	Turns         []threads.Turn
	ReadOnlyTools []string
	// Feedback lists the violations of the previous attempt.
	Feedback []string
}

// Judge makes the model-backed decisions of the miner. Implementations
// return structured values; the miner validates everything it receives.
type Judge interface {
	Segment(ctx context.Context, req SegmentRequest) ([]Segment, error)
	Score(ctx context.Context, req ScoreRequest) (WorkflowAnalysis, error)
	CheckCoverage(ctx context.Context, req CoverageRequest) (CoverageVerdict, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (learned.ToolDefinition, error)
}

// Catalog is the view of the base tool registry the miner needs.
type Catalog interface {
	Lookup(name string) (ports.Tool, bool)
	IsMutating(name string) bool
	Names() []string
}
