package ai

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
)

var (
	ErrNoJudgment        = errors.New("model did not call the judgment function")
	ErrMalformedJudgment = errors.New("judgment does not match its schema")
)

type segmentWire struct {
	SegmentID      int    `json:"segment_id" jsonschema:"required"`
	Start          int    `json:"turn_id_for_split_start" jsonschema:"required,minimum=1"`
	End            int    `json:"turn_id_for_split_end" jsonschema:"required,minimum=1"`
	Objective      string `json:"user_objective_description" jsonschema:"required"`
	Complex        bool   `json:"is_complex_workflow" jsonschema:"required"`
	UserTurns      int    `json:"user_turns_in_segment,omitempty"`
	AssistantTurns int    `json:"assistant_turns_in_segment,omitempty"`
}

type segmentationArgs struct {
	Segments      []segmentWire `json:"segments" jsonschema:"required"`
	TotalSegments int           `json:"total_segments_found" jsonschema:"required"`
	IgnoredSimple int           `json:"segments_ignored_simple_chat,omitempty"`
}

type stepWire struct {
	Step    int    `json:"step"`
	Tool    string `json:"tool"`
	Purpose string `json:"purpose"`
}

type dependencyWire struct {
	FromTool   string `json:"from_tool"`
	ToTool     string `json:"to_tool"`
	DataPassed string `json:"data_passed"`
}

type workflowWire struct {
	ToolsUsed           []string         `json:"tools_used_list" jsonschema:"required"`
	Order               []stepWire       `json:"tool_execution_order,omitempty"`
	Dependencies        []dependencyWire `json:"context_dependencies,omitempty"`
	MultiTurnRefinement bool             `json:"multi_turn_refinement_needed,omitempty"`
	UserGuidance        bool             `json:"user_had_to_guide_process,omitempty"`
	Complexity          int              `json:"workflow_complexity_score" jsonschema:"required,minimum=1,maximum=10"`
	Potential           string           `json:"optimization_potential" jsonschema:"required,enum=LOW,enum=MEDIUM,enum=HIGH"`
}

type workflowArgs struct {
	Analysis workflowWire `json:"workflow_analysis" jsonschema:"required"`
}

type evaluationWire struct {
	NewToolNeeded     bool   `json:"new_tool_needed" jsonschema:"required"`
	Reasoning         string `json:"reasoning" jsonschema:"required"`
	ExistingToolMatch string `json:"existing_tool_match,omitempty"`
	Justification     string `json:"workflow_justification,omitempty"`
}

type evaluationArgs struct {
	Evaluation evaluationWire `json:"tool_evaluation" jsonschema:"required"`
}

type toolWire struct {
	ToolName                    string   `json:"tool_name" jsonschema:"required"`
	Objective                   string   `json:"objective" jsonschema:"required"`
	TriggerPatterns             []string `json:"trigger_patterns" jsonschema:"required"`
	FileTypePatterns            []string `json:"file_type_patterns,omitempty"`
	OptimizedSystemPrompt       string   `json:"optimized_system_prompt" jsonschema:"required"`
	ToolSequence                []string `json:"tool_sequence" jsonschema:"required"`
	ContextHandlingInstructions string   `json:"context_handling_instructions,omitempty"`
	MaxInternalTurns            int      `json:"max_internal_turns" jsonschema:"required,maximum=3"`
	SuccessCriteria             string   `json:"success_criteria,omitempty"`
	FallbackStrategy            string   `json:"fallback_strategy,omitempty"`
}

type creationArgs struct {
	Tool toolWire `json:"new_tool_description" jsonschema:"required"`
}

var (
	segmentFunction = judgment[segmentationArgs](
		"analyze_conversation_segments", "Analyze conversation and identify decision boundaries")
	workflowFunction = judgment[workflowArgs](
		"analyze_workflow_complexity", "Analyze workflow pattern and complexity")
	evaluationFunction = judgment[evaluationArgs](
		"evaluate_tool_necessity", "Evaluate if new tool is needed or existing tools suffice")
	creationFunction = judgment[creationArgs](
		"create_optimized_tool", "Create new optimized intelligent tool")
)

func judgment[T any](name, description string) ports.ToolSpec {
	return ports.ToolSpec{Name: name, Description: description, JSONSchema: harness.SchemaBytes[T]()}
}

// Judge implements gepa.Judge with forced function calls. Every answer is
// validated against the function schema before it is decoded.
type Judge struct {
	provider  ports.Provider
	validator *harness.JSONValidator
	parser    *harness.OutputParser
	cache     ports.Cache
	cacheTTL  int
	model     string
	retries   int
	backoff   time.Duration
	logger    zerolog.Logger
}

type JudgeOption func(*Judge)

// WithJudgeCache memoizes judgments. Identical prompts reuse the stored answer.
func WithJudgeCache(c ports.Cache, ttlSeconds int) JudgeOption {
	return func(j *Judge) {
		j.cache = c
		j.cacheTTL = ttlSeconds
	}
}

func WithJudgeModel(model string) JudgeOption {
	return func(j *Judge) { j.model = model }
}

func WithJudgeRetry(attempts int, backoff time.Duration) JudgeOption {
	return func(j *Judge) {
		j.retries = attempts
		j.backoff = backoff
	}
}

func NewJudge(provider ports.Provider, logger zerolog.Logger, opts ...JudgeOption) *Judge {
	j := &Judge{
		provider:  provider,
		validator: harness.NewJSONValidator(),
		parser:    harness.NewOutputParser(),
		retries:   2,
		backoff:   500 * time.Millisecond,
		logger:    logger.With().Str("component", "judge").Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

var _ gepa.Judge = (*Judge)(nil)

func (j *Judge) Segment(ctx context.Context, req gepa.SegmentRequest) ([]gepa.Segment, error) {
	var args segmentationArgs
	if err := j.call(ctx, segmentFunction, renderSegmentation(req), &args); err != nil {
		return nil, err
	}
	out := make([]gepa.Segment, 0, len(args.Segments))
	for _, s := range args.Segments {
		out = append(out, gepa.Segment{
			ID:                s.SegmentID,
			StartTurn:         s.Start,
			EndTurn:           s.End,
			Objective:         s.Objective,
			IsComplexWorkflow: s.Complex,
			UserTurns:         s.UserTurns,
			AssistantTurns:    s.AssistantTurns,
		})
	}
	return out, nil
}

func (j *Judge) Score(ctx context.Context, req gepa.ScoreRequest) (gepa.WorkflowAnalysis, error) {
	var args workflowArgs
	if err := j.call(ctx, workflowFunction, renderWorkflow(req), &args); err != nil {
		return gepa.WorkflowAnalysis{}, err
	}
	a := args.Analysis
	wf := gepa.WorkflowAnalysis{
		ToolsUsed:           a.ToolsUsed,
		MultiTurnRefinement: a.MultiTurnRefinement,
		UserGuidance:        a.UserGuidance,
		Complexity:          a.Complexity,
		Potential:           gepa.ParsePotential(a.Potential),
	}
	for _, s := range a.Order {
		wf.Steps = append(wf.Steps, gepa.Step{Index: s.Step, Tool: s.Tool, Purpose: s.Purpose})
	}
	for _, d := range a.Dependencies {
		wf.Dependencies = append(wf.Dependencies, gepa.Dependency{FromTool: d.FromTool, ToTool: d.ToTool, Data: d.DataPassed})
	}
	return wf, nil
}

func (j *Judge) CheckCoverage(ctx context.Context, req gepa.CoverageRequest) (gepa.CoverageVerdict, error) {
	var args evaluationArgs
	if err := j.call(ctx, evaluationFunction, renderCoverage(req), &args); err != nil {
		return gepa.CoverageVerdict{}, err
	}
	e := args.Evaluation
	return gepa.CoverageVerdict{
		NewToolNeeded:     e.NewToolNeeded,
		Reasoning:         e.Reasoning,
		ExistingToolMatch: e.ExistingToolMatch,
		Justification:     e.Justification,
	}, nil
}

func (j *Judge) Synthesize(ctx context.Context, req gepa.SynthesisRequest) (learned.ToolDefinition, error) {
	var args creationArgs
	if err := j.call(ctx, creationFunction, renderSynthesis(req), &args); err != nil {
		return learned.ToolDefinition{}, err
	}
	t := args.Tool
	return learned.ToolDefinition{
		ToolName:                    t.ToolName,
		Objective:                   t.Objective,
		TriggerPatterns:             t.TriggerPatterns,
		FileTypePatterns:            t.FileTypePatterns,
		OptimizedSystemPrompt:       t.OptimizedSystemPrompt,
		ToolSequence:                t.ToolSequence,
		ContextHandlingInstructions: t.ContextHandlingInstructions,
		MaxInternalTurns:            t.MaxInternalTurns,
		SuccessCriteria:             t.SuccessCriteria,
		FallbackStrategy:            t.FallbackStrategy,
	}, nil
}

func (j *Judge) call(ctx context.Context, fn ports.ToolSpec, prompt string, out any) error {
	key := cacheKey(j.model, fn.Name, prompt)
	if j.cache != nil {
		if data, ok := j.cache.Get(ctx, key); ok {
			if err := json.Unmarshal(data, out); err == nil {
				j.logger.Debug().Str("function", fn.Name).Msg("Judgment served from cache")
				return nil
			}
		}
	}

	in := ports.PromptInput{
		Messages: []ports.Message{ports.UserMessage(prompt)},
		Tools:    []ports.ToolSpec{fn},
		Meta:     map[string]string{"function": fn.Name},
	}
	opts := ports.Options{Model: j.model, ToolChoice: fn.Name}
	completion, err := harness.CallWithRetry(ctx, j.retries, j.backoff, func(ctx context.Context) (ports.Completion, error) {
		return j.provider.Complete(ctx, in, opts)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", fn.Name, err)
	}

	var args json.RawMessage
	for _, c := range completion.ToolCalls {
		if c.Name == fn.Name {
			args = c.Args
			break
		}
	}
	if args == nil {
		// Some models answer a forced call in prose with the JSON inlined.
		parsed, err := j.parser.ParseJSONOutput(completion.Text)
		if err != nil {
			return fmt.Errorf("%s: %w", fn.Name, ErrNoJudgment)
		}
		j.logger.Debug().Str("function", fn.Name).Msg("Judgment recovered from response text")
		args = parsed
	}
	if err := j.validator.Validate(args, fn.JSONSchema); err != nil {
		return fmt.Errorf("%s: %w: %v", fn.Name, ErrMalformedJudgment, err)
	}
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("%s: %w: %v", fn.Name, ErrMalformedJudgment, err)
	}

	if j.cache != nil {
		if err := j.cache.Set(ctx, key, args, j.cacheTTL); err != nil {
			j.logger.Warn().Err(err).Str("function", fn.Name).Msg("Failed to cache judgment")
		}
	}
	return nil
}

// cacheKey hashes the model, function and prompt into a cache key.
func cacheKey(model, function, prompt string) string {
	hash := md5.Sum([]byte(model + "\x00" + function + "\x00" + prompt))
	return fmt.Sprintf("judge:%s:%x", function, hash)
}
