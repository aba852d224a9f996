// Package dispatch exposes learned tools to the model as trigger functions
// and runs a triggered tool as a bounded sub-conversation over the base
// tools.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
)

const TriggerPrefix = "trigger_"

// States of a learned-tool execution.
const (
	StateDispatched    = "DISPATCHED"
	StateToolCallRound = "TOOL_CALL_ROUND"
	StateResponded     = "RESPONDED"
	StateExhausted     = "EXHAUSTED"
	StateFailed        = "FAILED"
)

// ExhaustedText is returned when every internal round ended without an answer.
const ExhaustedText = "Max turns reached without completion"

const finalInstruction = "Now provide your final comprehensive response using all the tool data."

// Outcome is the result of running a learned tool.
type Outcome = harness.TriggerOutcome

// Completer makes one provider call. *harness.ConversationLoop implements it.
type Completer interface {
	Complete(ctx context.Context, system string, msgs []ports.Message, tools []ports.ToolSpec, toolChoice string) (ports.Completion, error)
}

// Observer is told when a learned tool starts and finishes.
type Observer interface {
	TriggerStarted(ctx context.Context, def learned.ToolDefinition, confidence float64)
	TriggerFinished(ctx context.Context, outcome Outcome)
}

type observerKey struct{}

// ContextWithObserver attaches an observer for triggers run under ctx.
func ContextWithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observerFrom(ctx context.Context) Observer {
	obs, _ := ctx.Value(observerKey{}).(Observer)
	return obs
}

type Config struct {
	ContextWindow        int     // trailing text messages carried into the sub-conversation
	DefaultInternalTurns int     // rounds when a definition leaves max_internal_turns unset
	MinConfidence        float64 // triggers below this are ignored
}

func DefaultConfig() Config {
	return Config{ContextWindow: 6, DefaultInternalTurns: learned.MaxInternalTurns}
}

// TriggerArgs are the arguments the model passes to a trigger function.
type TriggerArgs struct {
	ShouldTrigger    bool     `json:"should_trigger" jsonschema:"required,description=Whether this intelligent tool should handle the request"`
	Confidence       *float64 `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1,description=Confidence that the request matches this tool"`
	ExtractedContext string   `json:"extracted_context,omitempty" jsonschema:"description=Facts from the conversation the tool needs such as dates and names"`
}

var triggerSchema = harness.SchemaBytes[TriggerArgs]()

// Dispatcher holds a cached snapshot of the learned-tool store.
type Dispatcher struct {
	store     *learned.Store
	completer Completer
	executor  *harness.Executor
	assembler *harness.ContextAssembler
	cfg       Config
	logger    zerolog.Logger

	mu          sync.RWMutex
	snapshot    *learned.Snapshot
	unsubscribe func()
}

func NewDispatcher(store *learned.Store, completer Completer, executor *harness.Executor, cfg Config, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.DefaultInternalTurns <= 0 {
		cfg.DefaultInternalTurns = def.DefaultInternalTurns
	}
	d := &Dispatcher{
		store:     store,
		completer: completer,
		executor:  executor,
		assembler: harness.NewContextAssembler(harness.Budget{MaxMessages: cfg.ContextWindow}, nil),
		cfg:       cfg,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		snapshot:  store.Snapshot(),
	}
	d.unsubscribe = store.OnChange(d.apply)
	return d
}

// Close stops following store changes.
func (d *Dispatcher) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// Version is the store version of the cached snapshot.
func (d *Dispatcher) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot.Version
}

func (d *Dispatcher) current() *learned.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

// Notify refreshes the cached snapshot if the store has moved on and
// reports whether it did.
func (d *Dispatcher) Notify() bool {
	return d.apply(d.store.Snapshot())
}

func (d *Dispatcher) apply(snap *learned.Snapshot) bool {
	d.mu.Lock()
	if snap == nil || snap.Version <= d.snapshot.Version {
		d.mu.Unlock()
		return false
	}
	prev := d.snapshot.Version
	d.snapshot = snap
	d.mu.Unlock()

	d.logger.Info().Uint64("from", prev).Uint64("to", snap.Version).Int("tools", snap.Len()).Msg("Learned tools reloaded")
	return true
}

// LearnedTools returns the cached definitions sorted by name.
func (d *Dispatcher) LearnedTools() []learned.ToolDefinition {
	return d.current().Definitions()
}

// CombinedTools returns the base tool specs followed by one trigger spec per
// learned tool, sorted by name.
func (d *Dispatcher) CombinedTools() []ports.ToolSpec {
	base := d.executor.Registry().Specs()
	snap := d.current()
	out := make([]ports.ToolSpec, 0, len(base)+snap.Len())
	out = append(out, base...)
	for _, def := range snap.Definitions() {
		out = append(out, TriggerSpec(def))
	}
	return out
}

// TriggerSpec is the function the model calls to hand a request to def.
func TriggerSpec(def learned.ToolDefinition) ports.ToolSpec {
	desc := fmt.Sprintf("Trigger intelligent tool: %s. Use when user request matches patterns: %s",
		def.Objective, strings.Join(def.TriggerPatterns, ", "))
	if len(def.FileTypePatterns) > 0 {
		desc += ". Relevant file types: " + strings.Join(def.FileTypePatterns, ", ")
	}
	return ports.ToolSpec{Name: TriggerPrefix + def.ToolName, Description: desc, JSONSchema: triggerSchema}
}

// IsTrigger reports whether name is a trigger function.
func (d *Dispatcher) IsTrigger(name string) bool {
	return strings.HasPrefix(name, TriggerPrefix)
}

// HandleTriggers runs the first trigger call the model asked for with
// should_trigger set. ok is false when every trigger declined or named a
// tool missing from the snapshot.
func (d *Dispatcher) HandleTriggers(ctx context.Context, calls []ports.ToolCall, userInput string, history []ports.Message) (Outcome, bool) {
	snap := d.current()
	for _, c := range calls {
		if !d.IsTrigger(c.Name) {
			continue
		}
		var args TriggerArgs
		if len(c.Args) > 0 {
			if err := json.Unmarshal(c.Args, &args); err != nil {
				d.logger.Warn().Err(err).Str("trigger", c.Name).Msg("Malformed trigger arguments")
				continue
			}
		}
		if !args.ShouldTrigger {
			continue
		}
		confidence := 1.0
		if args.Confidence != nil {
			confidence = *args.Confidence
		}
		if confidence < d.cfg.MinConfidence {
			d.logger.Debug().Str("trigger", c.Name).Float64("confidence", confidence).Msg("Trigger below confidence threshold")
			continue
		}

		name := strings.TrimPrefix(c.Name, TriggerPrefix)
		def, found := snap.Get(name)
		if !found {
			d.logger.Warn().Str("tool", name).Uint64("version", snap.Version).Msg("Trigger names an unknown learned tool")
			continue
		}

		obs := observerFrom(ctx)
		if obs != nil {
			obs.TriggerStarted(ctx, def, confidence)
		}
		outcome := d.Execute(ctx, def, userInput, history, args.ExtractedContext)
		outcome.CallID = c.ID
		outcome.Confidence = confidence
		if obs != nil {
			obs.TriggerFinished(ctx, outcome)
		}
		return outcome, true
	}
	return Outcome{}, false
}

// Execute runs def as a sub-conversation. Each round allows one tool-using
// call. If tools ran, a final call with tools disabled must produce the
// answer; otherwise another round starts. The machine ends RESPONDED,
// EXHAUSTED after the definition's round budget, or FAILED.
func (d *Dispatcher) Execute(ctx context.Context, def learned.ToolDefinition, userInput string, history []ports.Message, extracted string) (out Outcome) {
	out = Outcome{Tool: def.ToolName, State: StateDispatched, ExtractedContext: extracted}
	log := d.logger.With().Str("tool", def.ToolName).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Learned tool panicked")
			out.State = StateFailed
			out.Text = fmt.Sprintf("Tool execution failed: %v", r)
		}
	}()

	msgs := d.assembler.Window(history, nil)
	msgs = append(msgs, ports.UserMessage(enhance(userInput, extracted, def.ToolSequence)))
	specs := d.executor.Registry().Specs()
	rounds := def.Turns(d.cfg.DefaultInternalTurns)

	for round := 1; round <= rounds; round++ {
		out.Rounds = round
		completion, err := d.completer.Complete(ctx, def.OptimizedSystemPrompt, msgs, specs, ports.ToolChoiceAuto)
		if err != nil {
			return failed(out, log, err)
		}
		if len(completion.ToolCalls) == 0 {
			out.State = StateResponded
			out.Text = completion.Text
			return out
		}

		out.State = StateToolCallRound
		msgs = append(msgs, ports.AssistantToolRequest(completion.Text, completion.ToolCalls))
		results := d.executor.Execute(ctx, completion.ToolCalls)
		for _, r := range results {
			msgs = append(msgs, ports.ToolResultMessage(r.CallID, r.Name, r.Content))
		}
		out.Executions = append(out.Executions, results...)
		log.Debug().Int("round", round).Int("calls", len(results)).Msg("Tool round complete")

		final := append(append([]ports.Message(nil), msgs...), ports.SystemMessage(finalInstruction))
		answer, err := d.completer.Complete(ctx, def.OptimizedSystemPrompt, final, nil, ports.ToolChoiceNone)
		if err != nil {
			return failed(out, log, err)
		}
		if strings.TrimSpace(answer.Text) != "" {
			out.State = StateResponded
			out.Text = answer.Text
			return out
		}
	}

	out.State = StateExhausted
	out.Text = ExhaustedText
	log.Warn().Int("rounds", rounds).Msg("Learned tool exhausted its rounds")
	return out
}

func failed(out Outcome, log zerolog.Logger, err error) Outcome {
	log.Error().Err(err).Int("round", out.Rounds).Msg("Learned tool failed")
	out.State = StateFailed
	out.Text = "Tool execution failed: " + harness.TerseError(err)
	return out
}

func enhance(userInput, extracted string, sequence []string) string {
	var b strings.Builder
	b.WriteString(userInput)
	if extracted != "" {
		b.WriteString("\n\nEXTRACTED CONTEXT: ")
		b.WriteString(extracted)
	}
	fmt.Fprintf(&b, "\n\nCRITICAL: Based on the conversation context above and this current request, you MUST immediately execute the appropriate tools from your tool sequence: [%s].", strings.Join(sequence, ", "))
	b.WriteString("\n\nExtract relevant parameters from the conversation context (dates, times, names, etc.) and call the tools immediately. Do NOT ask for clarification if you have enough context from the conversation history.")
	return b.String()
}
