package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ZanzyTHEbar/orion-gepa/orion/dispatch"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

type echoTool struct{ name string }

func (t echoTool) Name() string        { return t.name }
func (t echoTool) Description() string { return "echo " + t.name }
func (t echoTool) Schema() []byte      { return []byte(`{"type":"object"}`) }
func (t echoTool) Mutates() bool       { return false }
func (t echoTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	return map[string]string{"tool": t.name}, nil
}

type scriptedProvider struct {
	mu      sync.Mutex
	n       int
	respond func(n int, in ports.PromptInput) (ports.Completion, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	p.n++
	n := p.n
	p.mu.Unlock()
	return p.respond(n, in)
}

func textReply(text string) func(int, ports.PromptInput) (ports.Completion, error) {
	return func(int, ports.PromptInput) (ports.Completion, error) {
		return ports.Completion{Text: text}, nil
	}
}

func call(id, name, args string) ports.ToolCall {
	return ports.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *recorder) Publish(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{SessionID: sessionID, Event: ev})
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event.Type)
	}
	return out
}

func (r *recorder) Find(eventType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Event.Type == eventType {
			return e.Event, true
		}
	}
	return Event{}, false
}

// stubMiner stores one learned tool per thread it is given.
type stubMiner struct {
	store *learned.Store
	mu    sync.Mutex
	seen  []string
	err   error
}

func (m *stubMiner) ProcessThread(ctx context.Context, t *threads.Thread) (*gepa.Report, error) {
	m.mu.Lock()
	m.seen = append(m.seen, t.ID)
	m.mu.Unlock()
	if m.err != nil {
		return &gepa.Report{ThreadID: t.ID, Created: []string{}}, m.err
	}
	def := scheduleTool("availability_scout")
	if err := m.store.Upsert(def); err != nil {
		return nil, err
	}
	return &gepa.Report{ThreadID: t.ID, Segments: 1, Complex: 1, Created: []string{def.ToolName}}, nil
}

func (m *stubMiner) Seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

func scheduleTool(name string) learned.ToolDefinition {
	return learned.ToolDefinition{
		ToolName:                 name,
		Objective:                "Gather schedule context before proposing a meeting time",
		TriggerPatterns:          []string{"meeting", "free time"},
		OptimizedSystemPrompt:    "Check availability, then summarise. Ask the user rather than guess.",
		ToolSequence:             []string{"check_time_availability", "find_free_time_slots"},
		MaxInternalTurns:         2,
		SourceWorkflowComplexity: 7,
	}
}

type fixture struct {
	provider   *scriptedProvider
	executor   *harness.Executor
	loop       *harness.ConversationLoop
	tools      *learned.Store
	dispatcher *dispatch.Dispatcher
	threads    *threads.Store
	miner      *stubMiner
	events     *recorder
	orch       *Orchestrator
}

func newFixture(t *testing.T, respond func(int, ports.PromptInput) (ports.Completion, error), opts ...Option) *fixture {
	t.Helper()
	reg, err := harness.NewRegistry(echoTool{"check_time_availability"}, echoTool{"find_free_time_slots"})
	require.NoError(t, err)

	f := &fixture{provider: &scriptedProvider{respond: respond}, events: &recorder{}}
	f.executor = harness.NewExecutor(reg, zerolog.Nop())
	policy := &harness.Policy{MaxToolDepth: 1, MaxIterations: 6, ToolTimeout: time.Second}
	f.loop = harness.NewConversationLoop(f.provider, f.executor, nil, nil, nil, policy, ports.Options{}, zerolog.Nop())

	f.tools, err = learned.Open(filepath.Join(t.TempDir(), "new_tools.json"), zerolog.Nop())
	require.NoError(t, err)
	f.dispatcher = dispatch.NewDispatcher(f.tools, f.loop, f.executor, dispatch.DefaultConfig(), zerolog.Nop())
	t.Cleanup(f.dispatcher.Close)

	f.threads = threads.NewStore(filepath.Join(t.TempDir(), "threads"), zerolog.Nop())
	f.miner = &stubMiner{store: f.tools}

	all := append([]Option{WithMiner(f.miner), WithPublisher(f.events)}, opts...)
	f.orch = NewOrchestrator(f.loop, f.dispatcher, f.threads, zerolog.Nop(), all...)
	return f
}

// toolThenAnswer requests one tool and then answers in text.
func toolThenAnswer(n int, in ports.PromptInput) (ports.Completion, error) {
	if n == 1 {
		return ports.Completion{ToolCalls: []ports.ToolCall{call("c1", "check_time_availability", `{"date":"2024-01-23"}`)}}, nil
	}
	return ports.Completion{Text: "Free at 10."}, nil
}

type OrchestratorTestSuite struct {
	suite.Suite
	ctx context.Context
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *OrchestratorTestSuite) TestSendRecordsExecutions() {
	f := newFixture(s.T(), toolThenAnswer)
	id := f.orch.Start()

	reply, err := f.orch.Send(s.ctx, id, "when am I free on Tuesday?")
	s.Require().NoError(err)
	s.Equal("Free at 10.", reply.Text)
	s.False(reply.Failed)
	s.Require().Len(reply.Executions, 1)
	s.True(reply.Executions[0].Success)
	s.Equal(2, reply.ProviderCalls)

	status, err := f.orch.Status(id)
	s.Require().NoError(err)
	s.Equal(4, status.Messages)
	s.Equal(1, status.UserTurns)
	s.Equal(1, status.ToolExecutions)
	s.False(status.Busy)

	summary, err := f.orch.Summary(id)
	s.Require().NoError(err)
	s.Equal(1, summary.TotalExecutions)
	s.Equal(1, summary.UniqueTools)
	s.Equal(ToolStats{Count: 1, Success: 1, SuccessRate: 1}, summary.Tools["check_time_availability"])

	types := f.events.Types()
	s.Equal(EventMessageReceived, types[0])
	s.Contains(types, EventToolStart)
	s.Contains(types, EventToolComplete)
	s.Contains(types, EventMessageComplete)
	s.Contains(types, EventConversationProgress)
	s.Contains(types, EventAgentStatsUpdate)

	start, ok := f.events.Find(EventToolStart)
	s.Require().True(ok)
	s.Equal("check_time_availability", start.Data["toolName"])
	s.Equal(map[string]any{"date": "2024-01-23"}, start.Data["args"])

	m := f.orch.Metrics().GetSummary()
	s.Equal(int64(1), m.TurnCount)
	s.Equal(int64(1), m.ToolExecutions)
}

func (s *OrchestratorTestSuite) TestUnknownSession() {
	f := newFixture(s.T(), textReply("hi"))

	_, err := f.orch.Send(s.ctx, "missing", "hello")
	s.ErrorIs(err, ErrSessionNotFound)
	_, err = f.orch.Status("missing")
	s.ErrorIs(err, ErrSessionNotFound)
	_, err = f.orch.Complete(s.ctx, "missing", true)
	s.ErrorIs(err, ErrSessionNotFound)
	s.ErrorIs(f.orch.Clear(s.ctx, "missing"), ErrSessionNotFound)
}

func (s *OrchestratorTestSuite) TestProviderFailureKeepsSession() {
	f := newFixture(s.T(), func(n int, in ports.PromptInput) (ports.Completion, error) {
		if n == 1 {
			return ports.Completion{}, errors.New("upstream unavailable")
		}
		return ports.Completion{Text: "Back online."}, nil
	})
	id := f.orch.Start()

	reply, err := f.orch.Send(s.ctx, id, "hello")
	s.Require().NoError(err)
	s.True(reply.Failed)
	s.Contains(reply.Text, "Error: ")
	s.Contains(f.events.Types(), EventError)

	reply, err = f.orch.Send(s.ctx, id, "hello again")
	s.Require().NoError(err)
	s.False(reply.Failed)
	s.Equal("Back online.", reply.Text)
	s.Equal(int64(1), f.orch.Metrics().GetSummary().TurnErrors)
}

func (s *OrchestratorTestSuite) TestCompleteSavesMinesAndReloads() {
	f := newFixture(s.T(), toolThenAnswer)
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "when am I free on Tuesday?")
	s.Require().NoError(err)
	s.Empty(f.dispatcher.LearnedTools())

	report, err := f.orch.Complete(s.ctx, id, true)
	s.Require().NoError(err)
	s.NotEmpty(report.ThreadID)
	s.Equal(4, report.Turns)
	s.FileExists(report.Path)
	s.Require().NotNil(report.Mining)
	s.Equal([]string{"availability_scout"}, report.Mining.Created)
	s.True(report.Reloaded)
	s.Equal([]string{report.ThreadID}, f.miner.Seen())

	// The next session sees the learned tool as a trigger.
	s.Len(f.dispatcher.LearnedTools(), 1)
	s.True(f.dispatcher.IsTrigger("trigger_availability_scout"))

	saved, err := f.threads.Load(report.ThreadID)
	s.Require().NoError(err)
	s.Equal(1, saved.Metadata.TotalToolExecutions)
	s.Equal(threads.ToolUsage{Count: 1, Success: 1}, saved.Metadata.SessionToolSummary["check_time_availability"])

	types := f.events.Types()
	s.Contains(types, EventConversationSaved)
	s.Contains(types, EventProcessingStart)
	cached, ok := f.events.Find(EventPatternCached)
	s.Require().True(ok)
	s.Equal("availability_scout", cached.Data["patternId"])
	s.Equal("Gather schedule context before proposing a meeting time", cached.Data["taskType"])

	_, err = f.orch.Status(id)
	s.ErrorIs(err, ErrSessionNotFound)
	s.Equal(int64(1), f.orch.Metrics().GetSummary().ToolsCreated)
}

func (s *OrchestratorTestSuite) TestCompleteWithoutMining() {
	f := newFixture(s.T(), textReply("Hello!"))
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "hi")
	s.Require().NoError(err)

	report, err := f.orch.Complete(s.ctx, id, false)
	s.Require().NoError(err)
	s.NotEmpty(report.ThreadID)
	s.Nil(report.Mining)
	s.False(report.Reloaded)
	s.Empty(f.miner.Seen())
	s.NotContains(f.events.Types(), EventProcessingStart)
}

func (s *OrchestratorTestSuite) TestCompleteEmptySession() {
	f := newFixture(s.T(), textReply("unused"))
	id := f.orch.Start()

	report, err := f.orch.Complete(s.ctx, id, true)
	s.Require().NoError(err)
	s.Empty(report.ThreadID)
	s.Zero(report.Turns)
	s.Empty(f.miner.Seen())

	files, err := f.threads.Files()
	s.Require().NoError(err)
	s.Empty(files)
}

func (s *OrchestratorTestSuite) TestMiningFailureIsReported() {
	f := newFixture(s.T(), textReply("Hello!"))
	f.miner.err = errors.New("judge offline")
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "hi")
	s.Require().NoError(err)

	report, err := f.orch.Complete(s.ctx, id, true)
	s.Require().NoError(err)
	s.NotEmpty(report.ThreadID)
	s.Require().NotNil(report.Mining)
	s.Empty(report.Mining.Created)
	s.Contains(f.events.Types(), EventError)
	s.Equal(int64(1), f.orch.Metrics().GetSummary().MiningErrors)
}

func (s *OrchestratorTestSuite) TestSaveKeepsSessionOpen() {
	at := time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC)
	f := newFixture(s.T(), textReply("Noted."), WithClock(func() time.Time { return at }))
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "remember this")
	s.Require().NoError(err)

	first, err := f.orch.Save(s.ctx, id)
	s.Require().NoError(err)
	_, err = f.orch.Send(s.ctx, id, "and this")
	s.Require().NoError(err)
	second, err := f.orch.Save(s.ctx, id)
	s.Require().NoError(err)

	s.Equal("20240122_100000", first.ThreadID)
	s.Equal(first.ThreadID, second.ThreadID)
	s.Equal(first.Path, second.Path)
	s.Equal(2, first.Turns)
	s.Equal(4, second.Turns)
	s.Empty(f.miner.Seen())

	final, err := f.orch.Complete(s.ctx, id, true)
	s.Require().NoError(err)
	s.Equal(first.ThreadID, final.ThreadID)

	list, err := f.threads.List()
	s.Require().NoError(err)
	s.Require().Len(list, 1, "one thread per session")
	s.Equal(4, list[0].Metadata.TotalTurns)
	s.Require().Len(f.miner.Seen(), 1)
	s.Equal(first.ThreadID, f.miner.Seen()[0])
}

func (s *OrchestratorTestSuite) TestClear() {
	f := newFixture(s.T(), textReply("ok"))
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "hi")
	s.Require().NoError(err)

	s.Require().NoError(f.orch.Clear(s.ctx, id))
	_, err = f.orch.Send(s.ctx, id, "still there?")
	s.ErrorIs(err, ErrSessionNotFound)
	s.Empty(f.orch.List())
}

func (s *OrchestratorTestSuite) TestTriggeredTurnRunsLearnedTool() {
	f := newFixture(s.T(), func(n int, in ports.PromptInput) (ports.Completion, error) {
		switch n {
		case 1:
			return ports.Completion{ToolCalls: []ports.ToolCall{
				call("t1", "trigger_availability_scout", `{"should_trigger":true,"confidence":0.9,"extracted_context":"Tuesday"}`),
			}}, nil
		case 2:
			return ports.Completion{ToolCalls: []ports.ToolCall{call("s1", "check_time_availability", `{}`)}}, nil
		default:
			return ports.Completion{Text: "Tuesday 10:00 is open."}, nil
		}
	})
	s.Require().NoError(f.tools.Upsert(scheduleTool("availability_scout")))
	f.dispatcher.Notify()

	id := f.orch.Start()
	reply, err := f.orch.Send(s.ctx, id, "find me a meeting slot on Tuesday")
	s.Require().NoError(err)
	s.Require().NotNil(reply.Trigger)
	s.Equal(dispatch.StateResponded, reply.Trigger.State)
	s.Equal("Tuesday 10:00 is open.", reply.Text)

	triggered, ok := f.events.Find(EventIntelligentToolTriggered)
	s.Require().True(ok)
	s.Equal("availability_scout", triggered.Data["toolName"])
	s.InDelta(0.9, triggered.Data["confidence"], 1e-9)
	done, ok := f.events.Find(EventIntelligentToolComplete)
	s.Require().True(ok)
	s.Equal(true, done.Data["success"])
	s.Contains(f.events.Types(), EventToolStart)

	status, err := f.orch.Status(id)
	s.Require().NoError(err)
	s.Equal(1, status.TriggeredTools)
	s.Equal(1, status.ToolExecutions)

	g, err := f.orch.Graph(id)
	s.Require().NoError(err)
	s.Equal(ModeCached, g.Mode)
	for _, n := range g.Nodes {
		s.Equal(StatusCompleted, n.Status)
	}
	s.Equal(int64(1), f.orch.Metrics().GetSummary().TriggerCount)
}

func (s *OrchestratorTestSuite) TestGraphOfUntriggeredSession() {
	f := newFixture(s.T(), toolThenAnswer)
	id := f.orch.Start()
	_, err := f.orch.Send(s.ctx, id, "when am I free?")
	s.Require().NoError(err)

	g, err := f.orch.Graph(id)
	s.Require().NoError(err)
	s.Equal(ModeLearning, g.Mode)
	s.Equal(NodeStart, g.Nodes[0].Type)
	s.Equal(NodeEnd, g.Nodes[len(g.Nodes)-1].Type)
}

func (s *OrchestratorTestSuite) TestListOrder() {
	at := time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Second)
		return at
	}
	f := newFixture(s.T(), textReply("ok"), WithClock(clock))
	first := f.orch.Start()
	second := f.orch.Start()
	third := f.orch.Open("browser-chosen-id")

	list := f.orch.List()
	s.Require().Len(list, 3)
	s.Equal([]string{first, second, third}, []string{list[0].ID, list[1].ID, list[2].ID})
	s.Equal(third, f.orch.Open(third))
	s.Len(f.orch.List(), 3)
}

// TestSessionsRunInParallel drives several sessions at once; each keeps its
// own history.
func TestSessionsRunInParallel(t *testing.T) {
	f := newFixture(t, textReply("ok"))
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = f.orch.Start()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.orch.Send(ctx, id, fmt.Sprintf("message %d", j))
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, id := range ids {
		status, err := f.orch.Status(id)
		require.NoError(t, err)
		assert.Equal(t, 3, status.UserTurns)
		assert.Equal(t, 6, status.Messages)

		history, err := f.orch.History(id)
		require.NoError(t, err)
		for i := 0; i < len(history); i += 2 {
			assert.Equal(t, ports.KindUser, history[i].Kind)
			assert.Equal(t, ports.KindAssistantText, history[i+1].Kind)
		}
	}
}

func TestSendWithoutTriggers(t *testing.T) {
	reg, err := harness.NewRegistry(echoTool{"check_time_availability"})
	require.NoError(t, err)
	var seen []string
	provider := &scriptedProvider{respond: func(n int, in ports.PromptInput) (ports.Completion, error) {
		for _, spec := range in.Tools {
			seen = append(seen, spec.Name)
		}
		return ports.Completion{Text: "ok"}, nil
	}}
	executor := harness.NewExecutor(reg, zerolog.Nop())
	loop := harness.NewConversationLoop(provider, executor, nil, nil, nil, harness.DefaultPolicy(), ports.Options{}, zerolog.Nop())
	store := threads.NewStore(t.TempDir(), zerolog.Nop())
	orch := NewOrchestrator(loop, nil, store, zerolog.Nop())

	id := orch.Start()
	reply, err := orch.Send(context.Background(), id, "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	assert.Equal(t, []string{"check_time_availability"}, seen)

	report, err := orch.Complete(context.Background(), id, true)
	require.NoError(t, err)
	assert.Nil(t, report.Mining)
	_, err = os.Stat(report.Path)
	assert.NoError(t, err)
}
