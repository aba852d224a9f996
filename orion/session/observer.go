package session

import (
	"context"
	"encoding/json"

	"github.com/ZanzyTHEbar/orion-gepa/orion/dispatch"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
)

// observer turns executor and dispatcher callbacks into session events.
// The executor calls it from several goroutines at once.
type observer struct {
	o         *Orchestrator
	sessionID string
}

var (
	_ harness.ExecutionObserver = (*observer)(nil)
	_ dispatch.Observer         = (*observer)(nil)
)

func withTriggerObserver(ctx context.Context, obs dispatch.Observer) context.Context {
	return dispatch.ContextWithObserver(ctx, obs)
}

func (ob *observer) ToolStarted(ctx context.Context, call ports.ToolCall) {
	data := map[string]any{"toolName": call.Name, "callId": call.ID}
	var args map[string]any
	if json.Unmarshal(call.Args, &args) == nil && len(args) > 0 {
		data["args"] = args
	}
	ob.o.events.Publish(ob.sessionID, NewEvent(EventToolStart, data))
}

func (ob *observer) ToolFinished(ctx context.Context, result harness.ToolResult) {
	ob.o.metrics.RecordTool(result.Name, result.Success)
	data := map[string]any{
		"toolName":   result.Name,
		"callId":     result.CallID,
		"success":    result.Success,
		"resultSize": result.ResultSize,
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	ob.o.events.Publish(ob.sessionID, NewEvent(EventToolComplete, data))
}

func (ob *observer) TriggerStarted(ctx context.Context, def learned.ToolDefinition, confidence float64) {
	ob.o.events.Publish(ob.sessionID, NewEvent(EventIntelligentToolTriggered, map[string]any{
		"toolName":     def.ToolName,
		"objective":    def.Objective,
		"confidence":   confidence,
		"toolSequence": def.ToolSequence,
	}))
}

func (ob *observer) TriggerFinished(ctx context.Context, outcome dispatch.Outcome) {
	ob.o.events.Publish(ob.sessionID, NewEvent(EventIntelligentToolComplete, map[string]any{
		"toolName":  outcome.Tool,
		"state":     outcome.State,
		"rounds":    outcome.Rounds,
		"toolsUsed": len(outcome.Executions),
		"success":   outcome.State == dispatch.StateResponded,
	}))
}
