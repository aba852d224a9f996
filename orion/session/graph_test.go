package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

func TestNodeID(t *testing.T) {
	cases := map[int]string{0: "A", 1: "B", 25: "Z", 26: "AA", 27: "AB", 701: "ZZ", 702: "AAA"}
	for i, want := range cases {
		assert.Equal(t, want, nodeID(i), "index %d", i)
	}
}

func TestBuildLearningGraph(t *testing.T) {
	msgs := []ports.Message{
		ports.UserMessage("book lunch with Sam"),
		ports.AssistantToolRequest("", []ports.ToolCall{
			{ID: "a", Name: "check_time_availability", Args: json.RawMessage(`{}`)},
			{ID: "b", Name: "search_restaurants", Args: json.RawMessage(`{}`)},
		}),
		ports.ToolResultMessage("a", "check_time_availability", `{"available":true}`),
		ports.ToolResultMessage("b", "search_restaurants", "Error: execution failed: boom"),
		ports.AssistantText("Which cuisine?"),
		ports.UserMessage("Thai"),
		ports.AssistantText("Booked."),
	}
	g := BuildLearningGraph(threads.FromMessages("t1", time.Now(), msgs, nil))

	assert.Equal(t, ModeLearning, g.Mode)
	var types []NodeType
	var labels []string
	for _, n := range g.Nodes {
		types = append(types, n.Type)
		labels = append(labels, n.Label)
	}
	assert.Equal(t, []NodeType{
		NodeStart, NodeDecision, NodeDecision, NodeAction, NodeAction,
		NodeDecision, NodeLearning, NodeDecision, NodeEnd,
	}, types)
	assert.Equal(t, "check_time_availability", labels[3])
	assert.Equal(t, StatusCompleted, g.Nodes[3].Status)
	assert.Equal(t, StatusFailed, g.Nodes[4].Status)
	assert.Equal(t, 2, g.Nodes[3].Turn)
	assert.Equal(t, 6, g.Nodes[6].Turn)

	require.Len(t, g.Edges, len(g.Nodes)-1)
	assert.Equal(t, Edge{From: "A", To: "B"}, g.Edges[0])
}

func TestBuildLearningGraphEmptyThread(t *testing.T) {
	g := BuildLearningGraph(&threads.Thread{ID: "empty"})
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, NodeStart, g.Nodes[0].Type)
	assert.Equal(t, NodeEnd, g.Nodes[1].Type)
}

func TestBuildCachedGraph(t *testing.T) {
	g := BuildCachedGraph(scheduleTool("availability_scout"))

	assert.Equal(t, ModeCached, g.Mode)
	assert.Equal(t, "availability_scout Flow", g.FlowName)
	var labels []string
	for _, n := range g.Nodes {
		labels = append(labels, n.Label)
		assert.Equal(t, StatusPending, n.Status)
	}
	assert.Equal(t, []string{
		"Query Received", "Apply Pattern", "check_time_availability",
		"find_free_time_slots", "Present Results", "Complete",
	}, labels)
	assert.Equal(t, NodeCached, g.Nodes[2].Type)

	g.SetStatus(StatusCompleted)
	for _, n := range g.Nodes {
		assert.Equal(t, StatusCompleted, n.Status)
	}
}

// TestCachedGraphShapeProperty checks that every sequence yields a linear
// chain with unique ids and one node per tool.
func TestCachedGraphShapeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cached graph is a linear chain", prop.ForAll(
		func(sequence []string) bool {
			def := scheduleTool("x")
			def.ToolSequence = sequence
			g := BuildCachedGraph(def)
			if len(g.Nodes) != len(sequence)+4 || len(g.Edges) != len(g.Nodes)-1 {
				return false
			}
			ids := make(map[string]bool)
			for i, n := range g.Nodes {
				if ids[n.ID] {
					return false
				}
				ids[n.ID] = true
				if i > 0 && (g.Edges[i-1].From != g.Nodes[i-1].ID || g.Edges[i-1].To != n.ID) {
					return false
				}
			}
			return g.Nodes[0].Type == NodeStart && g.Nodes[len(g.Nodes)-1].Type == NodeEnd
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

func TestEventEnvelopeShape(t *testing.T) {
	ev := NewEvent(EventPatternCached, map[string]any{"patternId": "availability_scout"})
	data, err := json.Marshal(Envelope{SessionID: "s1", Event: ev})
	require.NoError(t, err)

	var raw struct {
		SessionID string         `json:"sessionId"`
		Event     map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "s1", raw.SessionID)
	assert.Equal(t, EventPatternCached, raw.Event["type"])
	assert.Equal(t, "availability_scout", raw.Event["patternId"])
	assert.NotEmpty(t, raw.Event["timestamp"])

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, EventPatternCached, back.Event.Type)
	assert.Equal(t, "availability_scout", back.Event.Data["patternId"])
	assert.WithinDuration(t, ev.Timestamp, back.Event.Timestamp, time.Millisecond)
}
