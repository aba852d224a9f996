// Package threads persists finished conversations as turn-numbered JSON
// transcripts. The same files are the input format of the pattern miner.
package threads

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
)

// TurnType tags the variant carried by a Turn.
type TurnType string

const (
	TurnUserInput            TurnType = "user_input"
	TurnAssistantResponse    TurnType = "assistant_response"
	TurnAssistantToolRequest TurnType = "assistant_tool_request"
	TurnToolResult           TurnType = "tool_result"
)

// IDLayout formats thread ids from the session completion time.
const IDLayout = "20060102_150405"

var ErrMalformedThread = errors.New("malformed thread")

// ToolCallRecord is one call inside an assistant_tool_request turn.
type ToolCallRecord struct {
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
}

// Turn is one entry of a thread. Only the fields of its Type are encoded.
type Turn struct {
	Turn      int
	Type      TurnType
	Content   string
	Timestamp string

	ToolCalls []ToolCallRecord

	ToolName   string
	ToolCallID string
	Success    bool
}

type wireTurn struct {
	Turn       int              `json:"turn"`
	Type       TurnType         `json:"type"`
	Content    *string          `json:"content,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Success    *bool            `json:"success,omitempty"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	content := t.Content
	w := wireTurn{Turn: t.Turn, Type: t.Type, Content: &content, Timestamp: t.Timestamp}
	switch t.Type {
	case TurnUserInput, TurnAssistantResponse:
	case TurnAssistantToolRequest:
		w.ToolCalls = make([]ToolCallRecord, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			if len(c.Arguments) == 0 {
				c.Arguments = json.RawMessage(`{}`)
			}
			w.ToolCalls[i] = c
		}
	case TurnToolResult:
		success := t.Success
		w.ToolName, w.ToolCallID, w.Success = t.ToolName, t.ToolCallID, &success
	default:
		return nil, fmt.Errorf("%w: unknown turn type %q", ErrMalformedThread, t.Type)
	}
	return json.Marshal(w)
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var w wireTurn
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TurnUserInput, TurnAssistantResponse, TurnAssistantToolRequest, TurnToolResult:
	default:
		return fmt.Errorf("%w: unknown turn type %q", ErrMalformedThread, w.Type)
	}

	*t = Turn{Turn: w.Turn, Type: w.Type, Timestamp: w.Timestamp, ToolCalls: w.ToolCalls, ToolName: w.ToolName, ToolCallID: w.ToolCallID}
	if w.Content != nil {
		t.Content = *w.Content
	}
	if w.Type == TurnToolResult {
		if w.Success != nil {
			t.Success = *w.Success
		} else {
			t.Success = ResultSucceeded(t.Content)
		}
	}
	return nil
}

// ResultSucceeded reports whether a tool result content counts as a success.
func ResultSucceeded(content string) bool {
	return !strings.HasPrefix(content, "Error")
}

// ToolUsage counts the executions of one tool in a session.
type ToolUsage struct {
	Count   int `json:"count"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Metadata summarises a thread.
type Metadata struct {
	TotalTurns          int                  `json:"total_turns"`
	UserTurns           int                  `json:"user_turns"`
	ToolCalls           int                  `json:"tool_calls"`
	Success             bool                 `json:"success"`
	SessionToolSummary  map[string]ToolUsage `json:"session_tool_summary,omitempty"`
	UniqueToolsUsed     int                  `json:"unique_tools_used"`
	TotalToolExecutions int                  `json:"total_tool_executions"`
}

// Thread is a persisted conversation. It is written once and only read
// afterwards.
type Thread struct {
	ID        string
	CreatedAt time.Time
	Turns     []Turn
	Metadata  Metadata
}

type wireThread struct {
	ThreadID  string   `json:"thread_id"`
	Timestamp string   `json:"timestamp"`
	Turns     []Turn   `json:"turns"`
	Metadata  Metadata `json:"metadata"`
}

func (t Thread) MarshalJSON() ([]byte, error) {
	turns := t.Turns
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(wireThread{
		ThreadID:  t.ID,
		Timestamp: t.CreatedAt.Format(time.RFC3339Nano),
		Turns:     turns,
		Metadata:  t.Metadata,
	})
}

func (t *Thread) UnmarshalJSON(data []byte) error {
	var w wireThread
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ThreadID == "" {
		return fmt.Errorf("%w: missing thread_id", ErrMalformedThread)
	}
	at, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedThread, err)
	}
	*t = Thread{ID: w.ThreadID, CreatedAt: at, Turns: w.Turns, Metadata: w.Metadata}
	return nil
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form older threads use.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if at, err := time.Parse(layout, s); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FromMessages numbers the conversational messages of a session into turns
// starting at 1. System messages are not part of a thread. executions feeds
// the session tool summary and may be nil.
func FromMessages(id string, at time.Time, msgs []ports.Message, executions []ports.ExecutionRecord) *Thread {
	t := &Thread{ID: id, CreatedAt: at}
	n := 0
	for _, m := range msgs {
		turn := Turn{Content: m.Content}
		switch m.Kind {
		case ports.KindUser:
			turn.Type = TurnUserInput
			turn.Timestamp = at.Format(time.RFC3339)
		case ports.KindAssistantText:
			turn.Type = TurnAssistantResponse
		case ports.KindAssistantToolRequest:
			turn.Type = TurnAssistantToolRequest
			for _, c := range m.ToolCalls {
				turn.ToolCalls = append(turn.ToolCalls, ToolCallRecord{Function: c.Name, Arguments: c.Args, CallID: c.ID})
			}
		case ports.KindToolResult:
			turn.Type = TurnToolResult
			turn.ToolName = m.ToolName
			turn.ToolCallID = m.ToolCallID
			turn.Success = ResultSucceeded(m.Content)
		default:
			continue
		}
		n++
		turn.Turn = n
		t.Turns = append(t.Turns, turn)
	}
	t.Metadata = summarize(t.Turns, executions)
	return t
}

func summarize(turns []Turn, executions []ports.ExecutionRecord) Metadata {
	md := Metadata{TotalTurns: len(turns), Success: true}
	for _, turn := range turns {
		switch turn.Type {
		case TurnUserInput:
			md.UserTurns++
		case TurnToolResult:
			md.ToolCalls++
			if !ResultSucceeded(turn.Content) {
				md.Success = false
			}
		}
	}
	md.SessionToolSummary = SummarizeExecutions(executions)
	md.UniqueToolsUsed = len(md.SessionToolSummary)
	md.TotalToolExecutions = len(executions)
	return md
}

// SummarizeExecutions groups execution records by tool name.
func SummarizeExecutions(executions []ports.ExecutionRecord) map[string]ToolUsage {
	out := make(map[string]ToolUsage)
	for _, rec := range executions {
		u := out[rec.Name]
		u.Count++
		if rec.Success {
			u.Success++
		} else {
			u.Failed++
		}
		out[rec.Name] = u
	}
	return out
}

// Messages replays the thread as conversation messages.
func (t *Thread) Messages() []ports.Message {
	out := make([]ports.Message, 0, len(t.Turns))
	for _, turn := range t.Turns {
		switch turn.Type {
		case TurnUserInput:
			out = append(out, ports.UserMessage(turn.Content))
		case TurnAssistantResponse:
			out = append(out, ports.AssistantText(turn.Content))
		case TurnAssistantToolRequest:
			calls := make([]ports.ToolCall, 0, len(turn.ToolCalls))
			for _, c := range turn.ToolCalls {
				calls = append(calls, ports.ToolCall{ID: c.CallID, Name: c.Function, Args: c.Arguments})
			}
			out = append(out, ports.AssistantToolRequest(turn.Content, calls))
		case TurnToolResult:
			out = append(out, ports.ToolResultMessage(turn.ToolCallID, turn.ToolName, turn.Content))
		}
	}
	return out
}

// MaxTurn returns the highest turn number, or 0 for an empty thread.
func (t *Thread) MaxTurn() int {
	maxTurn := 0
	for _, turn := range t.Turns {
		if turn.Turn > maxTurn {
			maxTurn = turn.Turn
		}
	}
	return maxTurn
}

// TurnsInRange returns the turns numbered start..end inclusive, in order.
func (t *Thread) TurnsInRange(start, end int) []Turn {
	var out []Turn
	for _, turn := range t.Turns {
		if turn.Turn >= start && turn.Turn <= end {
			out = append(out, turn)
		}
	}
	return out
}
