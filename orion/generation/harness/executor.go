package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
)

// ToolResult is the uniform outcome of one tool call. Content is what the
// model sees; failures start with "Error".
type ToolResult struct {
	CallID     string         `json:"call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Content    string         `json:"content"`
	ResultSize int            `json:"result_size"`
}

// Record projects the result onto the bookkeeping kept for summaries.
func (r ToolResult) Record() ports.ExecutionRecord {
	return ports.ExecutionRecord{
		Name:       r.Name,
		Args:       r.Args,
		Success:    r.Success,
		Error:      r.Error,
		ResultSize: r.ResultSize,
	}
}

// ExecutionObserver receives per-call progress from the executor.
type ExecutionObserver interface {
	ToolStarted(ctx context.Context, call ports.ToolCall)
	ToolFinished(ctx context.Context, result ToolResult)
}

type observerKey struct{}

// ContextWithObserver attaches an observer that the executor notifies for
// every call made under ctx.
func ContextWithObserver(ctx context.Context, obs ExecutionObserver) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observerFrom(ctx context.Context) ExecutionObserver {
	obs, _ := ctx.Value(observerKey{}).(ExecutionObserver)
	return obs
}

// Executor resolves tool calls against a Registry and runs them.
type Executor struct {
	registry    *Registry
	guardrails  *Guardrails
	concurrency int
	timeout     time.Duration
	logger      zerolog.Logger
}

type ExecutorOption func(*Executor)

// WithGuardrails validates arguments against tool schemas before dispatch.
func WithGuardrails(g *Guardrails) ExecutorOption {
	return func(e *Executor) { e.guardrails = g }
}

func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewExecutor(registry *Registry, logger zerolog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		concurrency: 5,
		timeout:     30 * time.Second,
		logger:      logger.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs every call and returns one result per call in input order.
// A failing call never prevents its siblings from running.
func (e *Executor) Execute(ctx context.Context, calls []ports.ToolCall) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	obs := observerFrom(ctx)

	mapper := iter.Mapper[ports.ToolCall, ToolResult]{MaxGoroutines: e.concurrency}
	return mapper.Map(calls, func(call *ports.ToolCall) ToolResult {
		if obs != nil {
			obs.ToolStarted(ctx, *call)
		}
		res := e.executeOne(ctx, *call)
		if obs != nil {
			obs.ToolFinished(ctx, res)
		}
		return res
	})
}

func (e *Executor) executeOne(ctx context.Context, call ports.ToolCall) (res ToolResult) {
	res = ToolResult{CallID: call.ID, Name: call.Name}

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		e.logger.Warn().Str("tool", call.Name).Msg("Tool not found")
		res.Error = "Tool not found"
		res.Content = fmt.Sprintf("Error: Tool %s not found", call.Name)
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("tool", call.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Tool panicked")
			res = failed(res, fmt.Errorf("panic: %v", r))
		}
	}()

	args, cleaned, err := dropNullArgs(call.Args)
	if err != nil {
		return failed(res, err)
	}
	res.Args = args
	call.Args = cleaned

	if e.guardrails != nil {
		if err := e.guardrails.ValidateToolCall(call, tool.Schema()); err != nil {
			return failed(res, err)
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Invoke(toolCtx, call.Args)
	if err != nil {
		e.logger.Debug().Err(err).Str("tool", call.Name).Dur("duration", time.Since(start)).Msg("Tool failed")
		return failed(res, err)
	}

	var content string
	if s, ok := output.(string); ok {
		content = s
	} else {
		b, err := json.Marshal(output)
		if err != nil {
			return failed(res, fmt.Errorf("marshal output: %w", err))
		}
		content = string(b)
	}
	if e.guardrails != nil {
		content = e.guardrails.SanitizeOutput(content)
	}

	res.Success = true
	res.Content = content
	res.ResultSize = len(content)
	e.logger.Debug().Str("tool", call.Name).Int("result_size", res.ResultSize).Dur("duration", time.Since(start)).Msg("Tool executed")
	return res
}

func failed(res ToolResult, err error) ToolResult {
	res.Success = false
	res.Error = "execution failed: " + err.Error()
	res.Content = "Error: " + res.Error
	res.ResultSize = len(res.Content)
	return res
}

// dropNullArgs removes null-valued keys so callees never see an explicit
// null. Absent or null argument payloads become an empty object.
func dropNullArgs(raw json.RawMessage) (map[string]any, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, json.RawMessage("{}"), nil
	}

	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, nil, fmt.Errorf("invalid arguments: %w", err)
	}
	for k, v := range args {
		if v == nil {
			delete(args, k)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	cleaned, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, cleaned, nil
}
