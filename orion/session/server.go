package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP and WebSocket surface of the orchestrator.
type Server struct {
	orch    *Orchestrator
	hub     *Hub
	tools   *learned.Store
	threads *threads.Store
	logger  zerolog.Logger
	started time.Time
	mux     *http.ServeMux
}

func NewServer(orch *Orchestrator, hub *Hub, tools *learned.Store, store *threads.Store, logger zerolog.Logger) *Server {
	s := &Server{
		orch:    orch,
		hub:     hub,
		tools:   tools,
		threads: store,
		logger:  logger.With().Str("component", "http").Logger(),
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	s.mux.HandleFunc("POST /api/sessions", s.handleStartSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionStatus)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleClearSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSend)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
	s.mux.HandleFunc("POST /api/sessions/{id}/complete", s.handleComplete)
	s.mux.HandleFunc("GET /api/sessions/{id}/graph", s.handleSessionGraph)

	s.mux.HandleFunc("GET /api/tools", s.handleListTools)
	s.mux.HandleFunc("GET /api/tools/{name}", s.handleGetTool)
	s.mux.HandleFunc("GET /api/tools/{name}/graph", s.handleToolGraph)

	s.mux.HandleFunc("GET /api/threads", s.handleListThreads)
	s.mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	s.mux.HandleFunc("GET /api/threads/{id}/graph", s.handleThreadGraph)

	s.mux.HandleFunc("GET /ws/{session}", s.handleWS)
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the WebSocket upgrader reach the hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSessionError maps orchestrator errors onto status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrSessionClosed):
		writeError(w, http.StatusConflict, "session closed")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// validID rejects ids that could escape the threads directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"learned_tools": s.tools.Snapshot().Len(),
		"sessions":      len(s.orch.List()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.tools.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":         s.orch.Metrics().GetSummary(),
		"active_sessions": s.orch.List(),
		"learned_tools":   snap.Len(),
		"tools_version":   snap.Version,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := s.orch.Start()
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.List())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Clear(r.Context(), r.PathValue("id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	reply, err := s.orch.Send(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.orch.History(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orch.Summary(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleComplete saves and closes the session. Mining runs unless
// ?mine=false is given.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	mine := true
	if v := r.URL.Query().Get("mine"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "mine must be a boolean")
			return
		}
		mine = parsed
	}
	report, err := s.orch.Complete(r.Context(), r.PathValue("id"), mine)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSessionGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.orch.Graph(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Snapshot().Definitions())
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	def, ok := s.tools.Snapshot().Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleToolGraph(w http.ResponseWriter, r *http.Request) {
	def, ok := s.tools.Snapshot().Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, BuildCachedGraph(def))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	list, err := s.threads.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list threads")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []threads.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) loadThread(w http.ResponseWriter, r *http.Request) (*threads.Thread, bool) {
	id := r.PathValue("id")
	if !validID(id) {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return nil, false
	}
	t, err := s.threads.Load(id)
	if errors.Is(err, threads.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", id).Msg("Failed to load thread")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if t, ok := s.loadThread(w, r); ok {
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleThreadGraph(w http.ResponseWriter, r *http.Request) {
	if t, ok := s.loadThread(w, r); ok {
		writeJSON(w, http.StatusOK, BuildLearningGraph(t))
	}
}

// handleWS attaches a socket to the session, opening it when the client
// picked a new id.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := s.orch.Open(r.PathValue("session"))
	s.hub.ServeWS(w, r, id)
}
