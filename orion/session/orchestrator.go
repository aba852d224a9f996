// Package session runs live conversations on top of the harness, saves them
// as threads and feeds them to the miner. It also serves the HTTP and
// WebSocket surface for those sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	ports "github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
)

// Turner runs one user turn. *harness.ConversationLoop implements it.
type Turner interface {
	RunTurn(ctx context.Context, req harness.TurnRequest) (*harness.TurnResult, error)
}

// Triggers exposes learned tools to a session. *dispatch.Dispatcher
// implements it.
type Triggers interface {
	harness.TriggerHandler
	CombinedTools() []ports.ToolSpec
	LearnedTools() []learned.ToolDefinition
	Notify() bool
	Version() uint64
}

// Miner learns tools from a saved thread. *gepa.Miner implements it.
type Miner interface {
	ProcessThread(ctx context.Context, t *threads.Thread) (*gepa.Report, error)
}

// Reply is the outcome of one Send.
type Reply struct {
	SessionID     string                  `json:"session_id"`
	Text          string                  `json:"response"`
	Executions    []harness.ToolResult    `json:"tool_executions"`
	Trigger       *harness.TriggerOutcome `json:"intelligent_tool,omitempty"`
	ProviderCalls int                     `json:"provider_calls"`
	Usage         ports.Usage             `json:"usage"`
	Duration      time.Duration           `json:"duration"`
	Failed        bool                    `json:"failed"`
}

// Status is a point-in-time view of a session.
type Status struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	Messages       int       `json:"messages"`
	UserTurns      int       `json:"user_turns"`
	ToolExecutions int       `json:"tool_executions"`
	TriggeredTools int       `json:"triggered_tools"`
	Busy           bool      `json:"busy"`
}

// ExecutionSummary groups a session's tool executions by tool.
type ExecutionSummary struct {
	SessionID       string               `json:"session_id"`
	TotalExecutions int                  `json:"total_executions"`
	UniqueTools     int                  `json:"unique_tools"`
	Tools           map[string]ToolStats `json:"tools"`
}

// CompletionReport describes a saved (and possibly mined) session.
type CompletionReport struct {
	SessionID string           `json:"session_id"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Path      string           `json:"path,omitempty"`
	Turns     int              `json:"turns"`
	Summary   ExecutionSummary `json:"summary"`
	Mining    *gepa.Report     `json:"mining,omitempty"`
	Reloaded  bool             `json:"reloaded"`
}

type state struct {
	turn sync.Mutex // serializes turns and completion

	mu          sync.RWMutex
	id          string
	createdAt   time.Time
	lastActive  time.Time
	history     []ports.Message
	executions  []ports.ExecutionRecord
	triggered   int
	lastTrigger string
	savedID     string // thread the session was first saved as
	busy        bool
	closed      bool
}

type Option func(*Orchestrator)

func WithMiner(m Miner) Option {
	return func(o *Orchestrator) { o.miner = m }
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithMetrics(mc *MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = mc }
}

// WithConversationStore lets Clear drop the persisted turns of a session.
func WithConversationStore(cs ports.ConversationStore) Option {
	return func(o *Orchestrator) { o.turns = cs }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.system = prompt }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the live sessions. Turns of one session run one at a
// time; different sessions run in parallel.
type Orchestrator struct {
	loop     Turner
	triggers Triggers
	threads  *threads.Store
	miner    Miner
	events   Publisher
	metrics  *MetricsCollector
	turns    ports.ConversationStore
	system   string
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*state
}

// NewOrchestrator wires the loop, the learned-tool dispatcher and the thread
// store. triggers may be nil, in which case only the base tools are offered.
func NewOrchestrator(loop Turner, triggers Triggers, store *threads.Store, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		loop:     loop,
		triggers: triggers,
		threads:  store,
		events:   nopPublisher{},
		metrics:  NewMetricsCollector(),
		system:   harness.DefaultSystemPrompt,
		now:      time.Now,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Metrics() *MetricsCollector { return o.metrics }

// Start opens a new session and returns its id.
func (o *Orchestrator) Start() string {
	return o.startWithID(uuid.NewString())
}

// Open returns the session with id, creating it when it does not exist.
// Clients that pick their own session id (the WebSocket route) use it.
func (o *Orchestrator) Open(id string) string {
	if id == "" {
		return o.Start()
	}
	o.mu.RLock()
	_, ok := o.sessions[id]
	o.mu.RUnlock()
	if ok {
		return id
	}
	return o.startWithID(id)
}

func (o *Orchestrator) startWithID(id string) string {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[id]; !ok {
		o.sessions[id] = &state{id: id, createdAt: now, lastActive: now}
		o.logger.Info().Str("session_id", id).Msg("Session started")
	}
	return id
}

func (o *Orchestrator) get(id string) (*state, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return st, nil
}

// Send runs one user turn. Provider failures do not end the session: the
// reply carries the terse error text and Failed is set.
func (o *Orchestrator) Send(ctx context.Context, id, text string) (*Reply, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	st.turn.Lock()
	defer st.turn.Unlock()

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	st.busy = true
	history := slices.Clone(st.history)
	st.mu.Unlock()

	log := o.logger.With().Str("session_id", id).Logger()
	o.events.Publish(id, NewEvent(EventMessageReceived, map[string]any{"content": text}))

	obs := &observer{o: o, sessionID: id}
	ctx = harness.ContextWithObserver(ctx, obs)
	req := harness.TurnRequest{
		SessionID: id,
		System:    o.system,
		History:   &history,
		Input:     text,
	}
	if o.triggers != nil {
		req.Tools = o.triggers.CombinedTools()
		req.Triggers = o.triggers
		ctx = withTriggerObserver(ctx, obs)
	}

	started := o.now()
	result, turnErr := o.loop.RunTurn(ctx, req)
	elapsed := o.now().Sub(started)
	if result == nil {
		result = &harness.TurnResult{Text: "Error: " + harness.TerseError(turnErr)}
	}
	o.metrics.RecordTurn(elapsed, result.Trigger != nil, turnErr)

	records := make([]ports.ExecutionRecord, 0, len(result.Executions))
	for _, r := range result.Executions {
		records = append(records, r.Record())
	}

	st.mu.Lock()
	st.history = history
	st.executions = append(st.executions, records...)
	st.lastActive = o.now()
	st.busy = false
	if result.Trigger != nil {
		st.triggered++
		st.lastTrigger = result.Trigger.Tool
	} else {
		st.lastTrigger = ""
	}
	st.mu.Unlock()

	reply := &Reply{
		SessionID:     id,
		Text:          result.Text,
		Executions:    result.Executions,
		Trigger:       result.Trigger,
		ProviderCalls: result.ProviderCalls,
		Usage:         result.Usage,
		Duration:      elapsed,
		Failed:        turnErr != nil,
	}

	if turnErr != nil {
		log.Error().Err(turnErr).Msg("Turn failed")
		o.events.Publish(id, NewEvent(EventError, map[string]any{"message": result.Text}))
	}
	o.events.Publish(id, NewEvent(EventMessageComplete, map[string]any{
		"content":        reply.Text,
		"toolsUsed":      len(reply.Executions),
		"intelligent":    reply.Trigger != nil,
		"processingTime": elapsed.Seconds(),
	}))
	o.publishProgress(id)
	return reply, nil
}

func (o *Orchestrator) publishProgress(id string) {
	status, err := o.Status(id)
	if err != nil {
		return
	}
	o.events.Publish(id, NewEvent(EventConversationProgress, map[string]any{
		"messages":       status.Messages,
		"userTurns":      status.UserTurns,
		"toolExecutions": status.ToolExecutions,
	}))
	if summary, err := o.Summary(id); err == nil {
		o.events.Publish(id, NewEvent(EventAgentStatsUpdate, map[string]any{
			"session": summary,
			"global":  o.metrics.GetSummary(),
		}))
	}
}

// Status reports on a session without waiting for a running turn.
func (o *Orchestrator) Status(id string) (Status, error) {
	st, err := o.get(id)
	if err != nil {
		return Status{}, err
	}
	return st.status(), nil
}

func (st *state) status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	users := 0
	for _, m := range st.history {
		if m.Kind == ports.KindUser {
			users++
		}
	}
	return Status{
		ID:             st.id,
		CreatedAt:      st.createdAt,
		LastActive:     st.lastActive,
		Messages:       len(st.history),
		UserTurns:      users,
		ToolExecutions: len(st.executions),
		TriggeredTools: st.triggered,
		Busy:           st.busy,
	}
}

// Summary returns per-tool execution counts and success rates.
func (o *Orchestrator) Summary(id string) (ExecutionSummary, error) {
	st, err := o.get(id)
	if err != nil {
		return ExecutionSummary{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return summarize(id, st.executions), nil
}

func summarize(id string, executions []ports.ExecutionRecord) ExecutionSummary {
	out := ExecutionSummary{
		SessionID:       id,
		TotalExecutions: len(executions),
		Tools:           make(map[string]ToolStats),
	}
	for name, u := range threads.SummarizeExecutions(executions) {
		stats := ToolStats{Count: int64(u.Count), Success: int64(u.Success), Failed: int64(u.Failed)}
		if u.Count > 0 {
			stats.SuccessRate = float64(u.Success) / float64(u.Count)
		}
		out.Tools[name] = stats
	}
	out.UniqueTools = len(out.Tools)
	return out
}

// History returns a copy of the session's messages.
func (o *Orchestrator) History(id string) ([]ports.Message, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return slices.Clone(st.history), nil
}

// Graph renders the session's decision graph: the cached-mode flow when
// the last turn ran a learned tool, otherwise the learning-mode flow.
func (o *Orchestrator) Graph(id string) (*Graph, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	history := slices.Clone(st.history)
	last := st.lastTrigger
	st.mu.RUnlock()

	if last != "" && o.triggers != nil {
		for _, def := range o.triggers.LearnedTools() {
			if def.ToolName == last {
				g := BuildCachedGraph(def)
				g.SetStatus(StatusCompleted)
				return g, nil
			}
		}
	}
	return BuildLearningGraph(threads.FromMessages(id, o.now(), history, nil)), nil
}

// Clear ends a session without saving it.
func (o *Orchestrator) Clear(ctx context.Context, id string) error {
	st, err := o.get(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	o.remove(id)

	if o.turns != nil {
		if err := o.turns.DeleteConversation(ctx, id); err != nil {
			o.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete stored turns")
		}
	}
	o.logger.Info().Str("session_id", id).Msg("Session cleared")
	return nil
}

func (o *Orchestrator) remove(id string) {
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
}

// List returns every live session, oldest first.
func (o *Orchestrator) List() []Status {
	o.mu.RLock()
	states := make([]*state, 0, len(o.sessions))
	for _, st := range o.sessions {
		states = append(states, st)
	}
	o.mu.RUnlock()

	out := make([]Status, 0, len(states))
	for _, st := range states {
		out = append(out, st.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Save writes the session as a thread and keeps it open.
func (o *Orchestrator) Save(ctx context.Context, id string) (*CompletionReport, error) {
	return o.finish(ctx, id, false, false)
}

// Complete saves the session as a thread, optionally mines it, refreshes
// the learned tools and closes the session.
func (o *Orchestrator) Complete(ctx context.Context, id string, mine bool) (*CompletionReport, error) {
	return o.finish(ctx, id, true, mine)
}

func (o *Orchestrator) finish(ctx context.Context, id string, closeSession, mine bool) (*CompletionReport, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	st.turn.Lock()
	defer st.turn.Unlock()

	st.mu.RLock()
	closed := st.closed
	savedID := st.savedID
	history := slices.Clone(st.history)
	executions := slices.Clone(st.executions)
	st.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}

	log := o.logger.With().Str("session_id", id).Logger()
	now := o.now()
	thread := threads.FromMessages(threads.NewID(now), now, history, executions)
	report := &CompletionReport{
		SessionID: id,
		Turns:     len(thread.Turns),
		Summary:   summarize(id, executions),
	}

	if len(thread.Turns) > 0 {
		// A session maps to one thread: later saves rewrite the first one.
		save := o.threads.Save
		if savedID != "" {
			thread.ID = savedID
			save = o.threads.Replace
		}
		path, err := save(thread)
		if err != nil {
			return nil, fmt.Errorf("failed to save session %s: %w", id, err)
		}
		st.mu.Lock()
		st.savedID = thread.ID
		st.mu.Unlock()
		report.ThreadID = thread.ID
		report.Path = path
		o.events.Publish(id, NewEvent(EventConversationSaved, map[string]any{
			"threadId": thread.ID,
			"path":     path,
			"turns":    len(thread.Turns),
		}))
	} else {
		log.Info().Msg("Nothing to save")
	}

	if mine && report.ThreadID != "" && o.miner != nil {
		var before uint64
		if o.triggers != nil {
			before = o.triggers.Version()
		}
		report.Mining = o.mine(ctx, id, thread, log)
		if o.triggers != nil {
			// The dispatcher may already have followed the store's change
			// notification, so compare versions as well.
			report.Reloaded = o.triggers.Notify() || o.triggers.Version() != before
		}
		o.publishCached(id, report.Mining)
	}

	if closeSession {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		o.remove(id)
		log.Info().Str("thread_id", report.ThreadID).Msg("Session completed")
	}
	return report, nil
}

func (o *Orchestrator) mine(ctx context.Context, id string, thread *threads.Thread, log zerolog.Logger) *gepa.Report {
	o.events.Publish(id, NewEvent(EventProcessingStart, map[string]any{"threadId": thread.ID}))
	started := o.now()
	report, err := o.miner.ProcessThread(ctx, thread)
	created := 0
	if report != nil {
		created = len(report.Created)
	}
	o.metrics.RecordMining(o.now().Sub(started), created, err)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", thread.ID).Msg("Mining pass failed")
		o.events.Publish(id, NewEvent(EventError, map[string]any{"message": "Pattern analysis failed"}))
	}
	return report
}

func (o *Orchestrator) publishCached(id string, report *gepa.Report) {
	if report == nil || len(report.Created) == 0 || o.triggers == nil {
		return
	}
	defs := make(map[string]learned.ToolDefinition)
	for _, def := range o.triggers.LearnedTools() {
		defs[def.ToolName] = def
	}
	for _, name := range report.Created {
		data := map[string]any{"patternId": name}
		if def, ok := defs[name]; ok {
			data["taskType"] = def.Objective
			data["toolSequence"] = def.ToolSequence
			data["triggerPatterns"] = def.TriggerPatterns
			data["complexity"] = def.SourceWorkflowComplexity
		}
		o.events.Publish(id, NewEvent(EventPatternCached, data))
	}
}
