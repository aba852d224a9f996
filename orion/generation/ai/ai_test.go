package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/orion-gepa/orion/config"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
)

// chatServer records chat completion requests and answers with reply.
type chatServer struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    string
	status   int
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream unavailable","type":"server_error"}}`))
		return
	}
	_, _ = w.Write([]byte(s.reply))
}

func newTestProvider(t *testing.T, srv *chatServer) *OpenAIProvider {
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	p, err := NewOpenAIProvider(config.LLMConfig{APIKey: "test-key", BaseURL: ts.URL, Model: "gpt-test", MaxNewTokens: 256}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

const toolCallReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-test",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "get_calendar_events", "arguments": "{\"start_date\":\"2024-01-22\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
}`

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(config.LLMConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestOpenAIProviderRoundTrip(t *testing.T) {
	srv := &chatServer{reply: toolCallReply}
	p := newTestProvider(t, srv)

	in := ports.PromptInput{
		System: "be brief",
		Messages: []ports.Message{
			ports.UserMessage("what is on Monday?"),
			ports.AssistantToolRequest("", []ports.ToolCall{{ID: "c0", Name: "get_emails", Args: json.RawMessage(`{}`)}}),
			ports.ToolResultMessage("c0", "get_emails", "[]"),
		},
		Tools: []ports.ToolSpec{{Name: "get_calendar_events", Description: "events", JSONSchema: []byte(`{"type":"object","properties":{"start_date":{"type":"string"}}}`)}},
	}
	out, err := p.Complete(context.Background(), in, ports.Options{ToolChoice: ports.ToolChoiceAuto, ParallelToolCalls: true})
	require.NoError(t, err)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "get_calendar_events", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"start_date":"2024-01-22"}`, string(out.ToolCalls[0].Args))
	assert.Equal(t, 19, out.Usage.TotalTokens)

	require.Len(t, srv.requests, 1)
	req := srv.requests[0]
	assert.Equal(t, "gpt-test", req["model"])
	assert.Equal(t, "auto", req["tool_choice"])
	assert.Equal(t, true, req["parallel_tool_calls"])
	assert.EqualValues(t, 256, req["max_completion_tokens"])

	msgs := req["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assistant := msgs[2].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]any)
	assert.Equal(t, "c0", calls[0].(map[string]any)["id"])
	tool := msgs[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c0", tool["tool_call_id"])
}

func TestOpenAIProviderForcedFunctionAndNoTools(t *testing.T) {
	srv := &chatServer{reply: toolCallReply}
	p := newTestProvider(t, srv)

	in := ports.PromptInput{
		Messages: []ports.Message{ports.UserMessage("judge this")},
		Tools:    []ports.ToolSpec{{Name: "get_calendar_events"}},
	}
	_, err := p.Complete(context.Background(), in, ports.Options{ToolChoice: "get_calendar_events"})
	require.NoError(t, err)
	choice := srv.requests[0]["tool_choice"].(map[string]any)
	assert.Equal(t, "function", choice["type"])
	assert.Equal(t, "get_calendar_events", choice["function"].(map[string]any)["name"])

	_, err = p.Complete(context.Background(), ports.PromptInput{Messages: in.Messages}, ports.Options{ToolChoice: ports.ToolChoiceNone})
	require.NoError(t, err)
	assert.NotContains(t, srv.requests[1], "tools")
	assert.NotContains(t, srv.requests[1], "tool_choice")
}

func TestOpenAIProviderServerError(t *testing.T) {
	p := newTestProvider(t, &chatServer{status: http.StatusInternalServerError})
	_, err := p.Complete(context.Background(), ports.PromptInput{Messages: []ports.Message{ports.UserMessage("hi")}}, ports.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

// scriptedProvider answers judge calls with canned function arguments.
type scriptedProvider struct {
	mu    sync.Mutex
	args  map[string]string
	prose map[string]string
	err   error
	calls []ports.Options
}

func (p *scriptedProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, opts)
	if p.err != nil {
		return ports.Completion{}, p.err
	}
	args, ok := p.args[opts.ToolChoice]
	if !ok {
		if text, ok := p.prose[opts.ToolChoice]; ok {
			return ports.Completion{Text: text}, nil
		}
		return ports.Completion{Text: "I would rather chat."}, nil
	}
	return ports.Completion{ToolCalls: []ports.ToolCall{{ID: "j1", Name: opts.ToolChoice, Args: json.RawMessage(args)}}}, nil
}

func TestJudgeDecodesJudgments(t *testing.T) {
	provider := &scriptedProvider{args: map[string]string{
		"analyze_conversation_segments": `{"segments":[{"segment_id":1,"turn_id_for_split_start":1,"turn_id_for_split_end":6,"user_objective_description":"Schedule a meal","is_complex_workflow":true}],"total_segments_found":1}`,
		"analyze_workflow_complexity":   `{"workflow_analysis":{"tools_used_list":["check_time_availability"],"context_dependencies":[{"from_tool":"check_time_availability","to_tool":"create_calendar_event","data_passed":"slot"}],"workflow_complexity_score":7,"optimization_potential":"HIGH","user_had_to_guide_process":true}}`,
		"evaluate_tool_necessity":       `{"tool_evaluation":{"new_tool_needed":false,"reasoning":"covered","existing_tool_match":"slot_finder"}}`,
		"create_optimized_tool":         `{"new_tool_description":{"tool_name":"slot_context_gatherer","objective":"Gather availability","trigger_patterns":["free time"],"optimized_system_prompt":"Check the calendar.","tool_sequence":["check_time_availability"],"max_internal_turns":2}}`,
	}}
	judge := NewJudge(provider, zerolog.Nop(), WithJudgeModel("judge-model"), WithJudgeRetry(0, 0))
	ctx := context.Background()

	segs, err := judge.Segment(ctx, gepa.SegmentRequest{ThreadID: "t", Transcript: "Turn 1 - USER: hi\n"})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, gepa.Segment{ID: 1, StartTurn: 1, EndTurn: 6, Objective: "Schedule a meal", IsComplexWorkflow: true}, segs[0])

	wf, err := judge.Score(ctx, gepa.ScoreRequest{Objective: "Schedule a meal"})
	require.NoError(t, err)
	assert.Equal(t, 7, wf.Complexity)
	assert.Equal(t, gepa.PotentialHigh, wf.Potential)
	assert.True(t, wf.UserGuidance)
	assert.Equal(t, []gepa.Dependency{{FromTool: "check_time_availability", ToTool: "create_calendar_event", Data: "slot"}}, wf.Dependencies)

	verdict, err := judge.CheckCoverage(ctx, gepa.CoverageRequest{Objective: "x", Existing: []learned.ToolDefinition{{ToolName: "slot_finder"}}})
	require.NoError(t, err)
	assert.False(t, verdict.NewToolNeeded)
	assert.Equal(t, "slot_finder", verdict.ExistingToolMatch)

	def, err := judge.Synthesize(ctx, gepa.SynthesisRequest{Objective: "x", ReadOnlyTools: []string{"check_time_availability"}, Feedback: []string{"name too specific"}})
	require.NoError(t, err)
	assert.Equal(t, "slot_context_gatherer", def.ToolName)
	assert.Equal(t, 2, def.MaxInternalTurns)

	for _, opts := range provider.calls {
		assert.Equal(t, "judge-model", opts.Model)
	}
}

func TestJudgeRejectsBadAnswers(t *testing.T) {
	provider := &scriptedProvider{args: map[string]string{
		"analyze_workflow_complexity": `{"workflow_analysis":{"tools_used_list":[],"workflow_complexity_score":42,"optimization_potential":"HIGH"}}`,
		"create_optimized_tool":       `{"new_tool_description":{"tool_name":"x","objective":"y","trigger_patterns":[],"optimized_system_prompt":"z","tool_sequence":["a"],"max_internal_turns":7}}`,
	}}
	judge := NewJudge(provider, zerolog.Nop(), WithJudgeRetry(0, 0))
	ctx := context.Background()

	_, err := judge.Score(ctx, gepa.ScoreRequest{})
	assert.ErrorIs(t, err, ErrMalformedJudgment)

	_, err = judge.Synthesize(ctx, gepa.SynthesisRequest{})
	assert.ErrorIs(t, err, ErrMalformedJudgment)

	_, err = judge.Segment(ctx, gepa.SegmentRequest{})
	assert.ErrorIs(t, err, ErrNoJudgment)

	provider.err = errors.New("bad request")
	_, err = judge.CheckCoverage(ctx, gepa.CoverageRequest{})
	assert.ErrorContains(t, err, "evaluate_tool_necessity")
}

func TestJudgeParsesProseAnswers(t *testing.T) {
	provider := &scriptedProvider{prose: map[string]string{
		"evaluate_tool_necessity":     "Here is my evaluation:\n```json\n{\"tool_evaluation\": {\"new_tool_needed\": true, \"reasoning\": \"nothing covers it\",},}\n```",
		"analyze_workflow_complexity": `Sure: {"workflow_analysis":{"tools_used_list":[],"workflow_complexity_score":42,"optimization_potential":"HIGH"}}`,
	}}
	cache := adapters.NewLRUCache(16)
	judge := NewJudge(provider, zerolog.Nop(), WithJudgeCache(cache, 60), WithJudgeRetry(0, 0))
	ctx := context.Background()

	verdict, err := judge.CheckCoverage(ctx, gepa.CoverageRequest{Objective: "audit expenses"})
	require.NoError(t, err)
	assert.True(t, verdict.NewToolNeeded)
	assert.Equal(t, "nothing covers it", verdict.Reasoning)

	_, err = judge.CheckCoverage(ctx, gepa.CoverageRequest{Objective: "audit expenses"})
	require.NoError(t, err)
	assert.Len(t, provider.calls, 1, "recovered judgment is cached")

	_, err = judge.Score(ctx, gepa.ScoreRequest{})
	assert.ErrorIs(t, err, ErrMalformedJudgment)
}

func TestJudgeCache(t *testing.T) {
	provider := &scriptedProvider{args: map[string]string{
		"evaluate_tool_necessity": `{"tool_evaluation":{"new_tool_needed":true,"reasoning":"new"}}`,
	}}
	cache := adapters.NewLRUCache(16)
	judge := NewJudge(provider, zerolog.Nop(), WithJudgeCache(cache, 60), WithJudgeRetry(0, 0))
	ctx := context.Background()
	req := gepa.CoverageRequest{Objective: "find a slot"}

	first, err := judge.CheckCoverage(ctx, req)
	require.NoError(t, err)
	second, err := judge.CheckCoverage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, provider.calls, 1)

	_, err = judge.CheckCoverage(ctx, gepa.CoverageRequest{Objective: "audit expenses"})
	require.NoError(t, err)
	assert.Len(t, provider.calls, 2)
}

func TestPromptsCarryRequestDetails(t *testing.T) {
	p := renderSynthesis(gepa.SynthesisRequest{
		Objective:     "Plan a meal",
		ReadOnlyTools: []string{"check_time_availability", "search_restaurants"},
		Feedback:      []string{"tool_sequence must not include the mutating tool \"create_calendar_event\""},
	})
	assert.Contains(t, p, "OBJECTIVE: Plan a meal")
	assert.Contains(t, p, "check_time_availability, search_restaurants")
	assert.Contains(t, p, "YOUR PREVIOUS ATTEMPT WAS REJECTED")

	c := renderCoverage(gepa.CoverageRequest{Objective: "x", Existing: []learned.ToolDefinition{{ToolName: "slot_finder", ToolSequence: []string{"a", "b"}}}})
	assert.Contains(t, c, "Tool: slot_finder | Objective:  | Tools: [a, b]")

	assert.Contains(t, renderSegmentation(gepa.SegmentRequest{Transcript: "Turn 1 - USER: hi\n"}), "Turn 1 - USER: hi")
	assert.NotEqual(t, cacheKey("m", "f", "a"), cacheKey("m", "f", "b"))
}
