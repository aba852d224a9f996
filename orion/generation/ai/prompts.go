package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
)

const segmentationPrompt = `You are analyzing a conversation to identify decision boundaries where the user's FUNDAMENTAL OBJECTIVE changes. Do not confuse objective changes with supporting actions for the same goal.

DECISION BOUNDARIES (fundamental objective changes):
- User wants to schedule a meeting for Tuesday, then changes their mind and wants Wednesday instead (DATE CHANGE = new decision)
- User asks about restaurants, then switches to asking about calendar events (DOMAIN CHANGE = new decision)
- User requests file analysis, then abandons that and asks about emails instead (TASK ABANDONMENT = new decision)

NOT DECISION BOUNDARIES (supporting actions for the same goal):
- User wants to schedule a meeting and asks to "check conflicts first" (PLANNING STEP)
- User wants to schedule a meeting and asks to "check the last email from that person" (CONTEXT GATHERING)
- User asks for restaurants and clarifies "make them vegetarian" (REFINEMENT)
- User asks for a summary and says "make it shorter" (STYLE ADJUSTMENT)
- User asks for availability on a different date after a conflict was found (PROBLEM SOLVING)

If the user is gathering information, checking prerequisites or solving problems to accomplish their original goal, it is the SAME SEGMENT. Only split when they abandon their objective for something unrelated.

Segments must not overlap and must use the turn numbers shown below. Ignore exchanges of exactly one user turn and one assistant turn.

Conversation:

%s
Focus on what the user was ultimately trying to achieve and group every supporting action under that objective.`

const workflowPrompt = `Analyze this workflow segment to understand its optimization potential.

USER'S ULTIMATE OBJECTIVE: %s
TOOLS USED IN SEQUENCE: %s
TOOL RESULTS: %s
TOTAL CONVERSATION TURNS: %d
USER INTERVENTIONS NEEDED: %d

Evaluate:
1. MULTI-TOOL COORDINATION: does the workflow need several tools in a specific order?
2. CONTEXT DEPENDENCIES: does the output of one call inform the parameters of a later call?
3. USER GUIDANCE REQUIRED: did the user have to clarify, correct or steer the process?
4. REPETITIVE PATTERN: would users repeat this workflow for similar objectives?
5. TURN INEFFICIENCY: could the exchange be compressed into one automated pass?

COMPLEXITY SCORING (1-10):
- 1-3: single tool, minimal context
- 4-6: several tools or some context dependencies
- 7-8: multi-tool workflow with context passing and user guidance
- 9-10: many dependencies, user interventions and clear optimization potential

OPTIMIZATION POTENTIAL:
- LOW: already efficient
- MEDIUM: some benefit from optimization
- HIGH: a multi-turn workflow that could be streamlined significantly`

const coveragePrompt = `Evaluate whether this workflow needs a dedicated intelligent tool or whether existing tools already handle it.

NEW WORKFLOW:
OBJECTIVE: %s
TOOLS REQUIRED: %s
EXECUTION SEQUENCE: %s
CONTEXT DEPENDENCIES: %s
COMPLEXITY SCORE: %d
USER GUIDANCE NEEDED: %t
OPTIMIZATION POTENTIAL: %s

EXISTING INTELLIGENT TOOLS:
%s

CREATE A NEW TOOL ONLY IF:
- no existing tool handles this objective and tool sequence
- the complexity score is at least 6
- the optimization potential is MEDIUM or HIGH
- the workflow passes context between several tools or needed user guidance

DO NOT CREATE A TOOL IF:
- an existing tool covers this objective with a similar tool sequence
- the workflow can be handled by an existing tool with minor changes
- it is a single tool call with little context

Be conservative. When an existing tool matches, name it in existing_tool_match.`

const synthesisPrompt = `Create an intelligent tool that executes this workflow immediately with tool calls. The tool runs with access to the same base tools.

WORKFLOW TO OPTIMIZE:
OBJECTIVE: %s
TOOLS USED: %s
EXECUTION SEQUENCE: %s
CONTEXT DEPENDENCIES: %s
COMPLEXITY SCORE: %d

ORIGINAL CONVERSATION SAMPLE:
%s

NAMING REQUIREMENTS:
- tool_name is generic snake_case describing the workflow type, for example "context_aggregator" or "multi_source_investigator"
- never use person names, company names, places or dates from the conversation in tool_name or objective

MANDATORY RULE: tool_sequence may only use these read-only tools:
%s
It must never include create_calendar_event or any other tool that creates, modifies or deletes data.

DOMAIN AGNOSTIC DESIGN: the tool should work for any similar information-gathering workflow, whether calendar, restaurants, code issues, email, transactions, system logs or files.

INFORMATION VALIDATION: the optimized_system_prompt must tell the model to ask the user for any required information that cannot be found or inferred.

EXECUTION PATTERN for the optimized_system_prompt:
1. extract entities and parameters from the user input and the conversation
2. call every relevant tool immediately
3. check that the required information exists and ask the user for anything missing
4. synthesize everything collected into a detailed answer, including related findings that may reflect user preferences

max_internal_turns must be between 1 and 3.`

func renderSegmentation(req gepa.SegmentRequest) string {
	return fmt.Sprintf(segmentationPrompt, req.Transcript)
}

func renderWorkflow(req gepa.ScoreRequest) string {
	return fmt.Sprintf(workflowPrompt, req.Objective, compact(req.Invocations), compact(req.Outcomes), req.TotalTurns, req.UserTurns)
}

func renderCoverage(req gepa.CoverageRequest) string {
	var existing []string
	for _, def := range req.Existing {
		existing = append(existing, fmt.Sprintf("Tool: %s | Objective: %s | Tools: [%s] | Triggers: [%s]",
			def.ToolName, def.Objective, strings.Join(def.ToolSequence, ", "), strings.Join(def.TriggerPatterns, ", ")))
	}
	summary := "No existing tools found"
	if len(existing) > 0 {
		summary = strings.Join(existing, "\n")
	}
	wf := req.Workflow
	return fmt.Sprintf(coveragePrompt, req.Objective, compact(wf.ToolsUsed), compact(wf.Steps), compact(wf.Dependencies),
		wf.Complexity, wf.UserGuidance, wf.Potential, summary)
}

func renderSynthesis(req gepa.SynthesisRequest) string {
	wf := req.Workflow
	sample, err := json.MarshalIndent(req.Turns, "", "  ")
	if err != nil {
		sample = []byte("[]")
	}
	prompt := fmt.Sprintf(synthesisPrompt, req.Objective, compact(wf.ToolsUsed), compact(wf.Steps), compact(wf.Dependencies),
		wf.Complexity, sample, strings.Join(req.ReadOnlyTools, ", "))
	if len(req.Feedback) > 0 {
		prompt += "\n\nYOUR PREVIOUS ATTEMPT WAS REJECTED. Fix every problem:\n- " + strings.Join(req.Feedback, "\n- ")
	}
	return prompt
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
