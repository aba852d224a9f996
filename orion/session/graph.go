package session

import (
	"fmt"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeDecision  NodeType = "decision"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeLearning  NodeType = "learning"
	NodeCached    NodeType = "cached"
	NodeEnd       NodeType = "end"
)

const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	ModeLearning = "learning_mode"
	ModeCached   = "cached_mode"
)

type Node struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Label  string   `json:"label"`
	Status string   `json:"status"`
	Turn   int      `json:"turn,omitempty"`
}

type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is a decision flow for the dashboard.
type Graph struct {
	FlowName string `json:"flow_name"`
	Mode     string `json:"mode"`
	Nodes    []Node `json:"nodes"`
	Edges    []Edge `json:"edges"`
}

// nodeID numbers nodes A..Z, AA, AB and so on.
func nodeID(i int) string {
	id := ""
	for i >= 0 {
		id = string(rune('A'+i%26)) + id
		i = i/26 - 1
	}
	return id
}

func (g *Graph) add(t NodeType, label, status string, turn int) string {
	id := nodeID(len(g.Nodes))
	if n := len(g.Nodes); n > 0 {
		g.Edges = append(g.Edges, Edge{From: g.Nodes[n-1].ID, To: id})
	}
	g.Nodes = append(g.Nodes, Node{ID: id, Type: t, Label: label, Status: status, Turn: turn})
	return id
}

// SetStatus marks every node with status.
func (g *Graph) SetStatus(status string) {
	for i := range g.Nodes {
		g.Nodes[i].Status = status
	}
}

// BuildLearningGraph replays a thread as the learning-mode flow: the first
// user turn starts it, follow-up user turns are learning steps, tool
// requests are decisions followed by one action per call, and tool results
// settle their action node.
func BuildLearningGraph(t *threads.Thread) *Graph {
	g := &Graph{FlowName: "Learning Flow", Mode: ModeLearning}
	actions := make(map[string]int)
	started := false

	for _, turn := range t.Turns {
		switch turn.Type {
		case threads.TurnUserInput:
			if !started {
				g.add(NodeStart, "Query Received", StatusCompleted, turn.Turn)
				g.add(NodeDecision, "Parse Request", StatusCompleted, turn.Turn)
				started = true
				continue
			}
			g.add(NodeLearning, "User Follow-up", StatusCompleted, turn.Turn)
		case threads.TurnAssistantToolRequest:
			g.add(NodeDecision, "Select Tools", StatusCompleted, turn.Turn)
			for _, call := range turn.ToolCalls {
				g.add(NodeAction, call.Function, StatusPending, turn.Turn)
				actions[call.CallID] = len(g.Nodes) - 1
			}
		case threads.TurnToolResult:
			idx, ok := actions[turn.ToolCallID]
			if !ok {
				continue
			}
			g.Nodes[idx].Status = StatusCompleted
			if !turn.Success {
				g.Nodes[idx].Status = StatusFailed
			}
		case threads.TurnAssistantResponse:
			g.add(NodeDecision, "Present Options", StatusCompleted, turn.Turn)
		}
	}
	if !started {
		g.add(NodeStart, "Query Received", StatusPending, 0)
	}
	g.add(NodeEnd, "Complete & Cache", StatusPending, 0)
	return g
}

// BuildCachedGraph lays out the flow a learned tool runs: apply the pattern,
// one cached step per tool in its sequence, then present.
func BuildCachedGraph(def learned.ToolDefinition) *Graph {
	g := &Graph{FlowName: fmt.Sprintf("%s Flow", def.ToolName), Mode: ModeCached}
	g.add(NodeStart, "Query Received", StatusPending, 0)
	g.add(NodeCached, "Apply Pattern", StatusPending, 0)
	for _, tool := range def.ToolSequence {
		g.add(NodeCached, tool, StatusPending, 0)
	}
	g.add(NodeCached, "Present Results", StatusPending, 0)
	g.add(NodeEnd, "Complete", StatusPending, 0)
	return g
}
