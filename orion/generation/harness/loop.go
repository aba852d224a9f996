package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Policy controls loop behavior.
type Policy struct {
	MaxToolDepth  int           // tool rounds per user turn before the forced final answer
	MaxIterations int           // safeguard on provider calls per user turn
	ToolTimeout   time.Duration // per-tool timeout
	Deterministic bool          // fixed seed for reproducible results
	RetryCount    int           // provider call retries
	RetryBackoff  time.Duration // base delay between retries
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxToolDepth:  1,
		MaxIterations: 6,
		ToolTimeout:   30 * time.Second,
		Deterministic: false,
		RetryCount:    2,
		RetryBackoff:  500 * time.Millisecond,
	}
}

// TriggerOutcome is what a TriggerHandler reports after running a learned
// tool in place of the general path.
type TriggerOutcome struct {
	Tool             string       `json:"tool"`
	CallID           string       `json:"call_id"`
	State            string       `json:"state"`
	Text             string       `json:"text"`
	Rounds           int          `json:"rounds"`
	Confidence       float64      `json:"confidence"`
	ExtractedContext string       `json:"extracted_context,omitempty"`
	Executions       []ToolResult `json:"executions,omitempty"`
}

// TriggerHandler lets learned tools intercept a turn.
type TriggerHandler interface {
	// IsTrigger reports whether a requested tool name is a trigger rather
	// than an executable tool.
	IsTrigger(name string) bool
	// HandleTriggers runs the first accepted trigger. ok is false when every
	// trigger declined or missed, and the general path continues.
	HandleTriggers(ctx context.Context, calls []ports.ToolCall, userInput string, history []ports.Message) (TriggerOutcome, bool)
}

// TurnRequest configures one user turn.
type TurnRequest struct {
	SessionID string
	System    string
	// History is owned by the caller. The loop appends the user message and
	// everything produced during the turn.
	History  *[]ports.Message
	Input    string
	Tools    []ports.ToolSpec // nil means the registry's specs
	Triggers TriggerHandler   // optional
}

// TurnResult summarizes one user turn.
type TurnResult struct {
	Text          string
	Executions    []ToolResult
	Trigger       *TriggerOutcome
	ProviderCalls int
	Usage         ports.Usage
}

const (
	triggerDeclined = "Trigger not applied; continuing with the standard tools."
	skippedForTool  = "Skipped: request handled by learned tool %s."
)

// ConversationLoop drives one user turn through the model and the tools.
type ConversationLoop struct {
	provider ports.Provider
	executor *Executor
	builder  *PromptBuilder
	store    ports.ConversationStore
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	policy   *Policy
	options  ports.Options
	logger   zerolog.Logger
}

// NewConversationLoop creates a loop with dependencies. Nil adapters fall back
// to no-op implementations.
func NewConversationLoop(
	provider ports.Provider,
	executor *Executor,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	policy *Policy,
	options ports.Options,
	logger zerolog.Logger,
) *ConversationLoop {
	if store == nil {
		store = &noOpStore{}
	}
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &ConversationLoop{
		provider: provider,
		executor: executor,
		builder:  NewPromptBuilder(),
		store:    store,
		limiter:  limiter,
		tracer:   tracer,
		policy:   policy,
		options:  options,
		logger:   logger.With().Str("component", "conversation_loop").Logger(),
	}
}

func (l *ConversationLoop) Executor() *Executor { return l.executor }

func (l *ConversationLoop) Policy() *Policy { return l.policy }

// RunTurn appends the user input and runs the model/tool cycle until the
// model answers in text. Provider failures are recorded in the history as a
// short assistant error and returned for logging.
func (l *ConversationLoop) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.History == nil {
		return nil, errors.New("turn request has no history")
	}
	history := req.History
	startLen := len(*history)
	before := append([]ports.Message(nil), (*history)...)

	tools := req.Tools
	if tools == nil {
		tools = l.executor.Registry().Specs()
	}

	ctx, finish := l.tracer.StartSpan(ctx, "conversation_turn", map[string]any{
		"session_id": req.SessionID,
		"tool_count": len(tools),
	})

	*history = append(*history, ports.UserMessage(req.Input))
	result := &TurnResult{}
	err := l.runTurn(ctx, req, tools, before, result)
	finish(err)

	l.persist(ctx, req.SessionID, *history, startLen)
	return result, err
}

func (l *ConversationLoop) runTurn(ctx context.Context, req TurnRequest, tools []ports.ToolSpec, before []ports.Message, result *TurnResult) error {
	history := req.History
	depth := 0
	var roundResults []ToolResult

	for {
		if result.ProviderCalls >= l.policy.MaxIterations || depth >= l.policy.MaxToolDepth {
			break
		}

		completion, err := l.complete(ctx, req.System, *history, tools, ports.ToolChoiceAuto, result)
		if err != nil {
			return l.fail(history, result, err)
		}

		if len(completion.ToolCalls) == 0 {
			result.Text = completion.Text
			*history = append(*history, ports.AssistantText(completion.Text))
			return nil
		}

		*history = append(*history, ports.AssistantToolRequest(completion.Text, completion.ToolCalls))

		var triggerCalls, toolCalls []ports.ToolCall
		for _, c := range completion.ToolCalls {
			if req.Triggers != nil && req.Triggers.IsTrigger(c.Name) {
				triggerCalls = append(triggerCalls, c)
			} else {
				toolCalls = append(toolCalls, c)
			}
		}

		if len(triggerCalls) > 0 {
			outcome, ok := req.Triggers.HandleTriggers(ctx, triggerCalls, req.Input, before)
			if ok {
				l.closeIntercepted(history, completion.ToolCalls, outcome)
				result.Trigger = &outcome
				result.Text = outcome.Text
				result.Executions = append(result.Executions, outcome.Executions...)
				*history = append(*history, ports.AssistantText(outcome.Text))
				return nil
			}
			for _, c := range triggerCalls {
				*history = append(*history, ports.ToolResultMessage(c.ID, c.Name, triggerDeclined))
			}
		}

		executed := l.executor.Execute(ctx, toolCalls)
		for _, r := range executed {
			*history = append(*history, ports.ToolResultMessage(r.CallID, r.Name, r.Content))
		}
		result.Executions = append(result.Executions, executed...)
		roundResults = append(roundResults, executed...)
		depth++
	}

	// Tool budget spent: answer from the gathered data with tools disabled.
	msgs := append(append([]ports.Message(nil), (*history)...), ports.SystemMessage(FinalAnswerInstruction(roundResults)))
	completion, err := l.complete(ctx, req.System, msgs, nil, ports.ToolChoiceNone, result)
	if err != nil {
		return l.fail(history, result, err)
	}
	result.Text = completion.Text
	*history = append(*history, ports.AssistantText(completion.Text))
	return nil
}

// closeIntercepted answers every call id of an intercepted request so the
// history stays valid for the next provider call.
func (l *ConversationLoop) closeIntercepted(history *[]ports.Message, calls []ports.ToolCall, outcome TriggerOutcome) {
	for _, c := range calls {
		content := fmt.Sprintf(skippedForTool, outcome.Tool)
		if c.ID == outcome.CallID {
			content = outcome.Text
		}
		*history = append(*history, ports.ToolResultMessage(c.ID, c.Name, content))
	}
}

func (l *ConversationLoop) fail(history *[]ports.Message, result *TurnResult, err error) error {
	result.Text = "Error: " + TerseError(err)
	*history = append(*history, ports.AssistantText(result.Text))
	return err
}

// Complete makes one provider call through the limiter, a tracer span and
// the retry policy. It is shared with the dispatcher's sub-loop.
func (l *ConversationLoop) Complete(ctx context.Context, system string, msgs []ports.Message, tools []ports.ToolSpec, toolChoice string) (ports.Completion, error) {
	return l.complete(ctx, system, msgs, tools, toolChoice, nil)
}

func (l *ConversationLoop) complete(ctx context.Context, system string, msgs []ports.Message, tools []ports.ToolSpec, toolChoice string, result *TurnResult) (ports.Completion, error) {
	release, err := l.limiter.Acquire(ctx, "provider")
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limit exceeded: %w", err)
	}
	defer release()

	opts := l.options
	opts.ToolChoice = toolChoice
	opts.ParallelToolCalls = len(tools) > 0
	if l.policy.Deterministic {
		opts.Seed = 42
	}

	prompt := l.builder.Build(system, msgs, tools, nil)

	ctx, spanFinish := l.tracer.StartSpan(ctx, "provider_call", map[string]any{
		"messages":    len(msgs),
		"tools":       len(tools),
		"tool_choice": toolChoice,
	})
	completion, err := CallWithRetry(ctx, l.policy.RetryCount, l.policy.RetryBackoff, func(ctx context.Context) (ports.Completion, error) {
		return l.provider.Complete(ctx, prompt, opts)
	})
	spanFinish(err)

	if result != nil {
		result.ProviderCalls++
		if completion.Usage != nil {
			result.Usage.PromptTokens += completion.Usage.PromptTokens
			result.Usage.CompletionTokens += completion.Usage.CompletionTokens
			result.Usage.TotalTokens += completion.Usage.TotalTokens
		}
	}
	if err != nil {
		return ports.Completion{}, fmt.Errorf("provider call failed: %w", err)
	}
	return completion, nil
}

func (l *ConversationLoop) persist(ctx context.Context, sessionID string, history []ports.Message, from int) {
	if sessionID == "" {
		return
	}
	now := time.Now().UTC()
	for i := from; i < len(history); i++ {
		if err := l.store.SaveTurn(ctx, sessionID, ports.Turn{Seq: i + 1, Message: history[i], CreatedAt: now}); err != nil {
			// Persistence is best effort; the in-memory history is authoritative.
			l.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist turn")
			return
		}
	}
}
