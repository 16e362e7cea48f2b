// Package server exposes the conversation system over HTTP: message posting,
// history, a websocket event stream, and background job inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/config"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/internal/workflow"
)

const defaultHistoryLimit = 50

// Server serves the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	orch     *agent.Orchestrator
	sessions sessions.Store
	jobs     workflow.Store
	engine   *workflow.Engine
	hub      *broadcast.Hub
	logger   *observability.Logger

	httpServer *http.Server
}

// New wires the HTTP server. Start must be called to begin serving.
func New(cfg config.ServerConfig, orch *agent.Orchestrator, store sessions.Store, jobs workflow.Store, engine *workflow.Engine, hub *broadcast.Hub, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		sessions: store,
		jobs:     jobs,
		engine:   engine,
		hub:      hub,
		logger:   logger,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// API through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions/{key}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/sessions/{key}/history", s.handleHistory)
	mux.Handle("GET /v1/sessions/{key}/events", s.newEventStream())

	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/run", s.handleRunJob)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.withRequestID(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting http server", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), observability.RequestIDKey, uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "session key is required")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx := r.Context()
	session, err := s.sessions.GetOrCreate(ctx, key)
	if err != nil {
		s.logger.Error(ctx, "session lookup failed", "session_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	// Tools started during this turn inherit the return address so
	// background results find their way back to this conversation.
	ctx = context.WithValue(ctx, observability.SessionIDKey, session.ID)
	ctx = callback.WithAddress(ctx, callback.Address{SessionID: session.ID, SessionKey: session.Key})

	reply, err := s.orch.HandleUserTurn(ctx, session, req.Content)
	if err != nil {
		s.logger.Error(ctx, "turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	session, err := s.sessions.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	history, err := s.sessions.GetHistory(r.Context(), session.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"messages":   history,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	jobs, err := s.jobs.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRunJob resumes a non-terminal job, e.g. after a process restart
// interrupted it. Completed steps replay from their checkpoints.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}

	go func() {
		ctx := context.WithValue(context.Background(), observability.JobIDKey, id)
		if err := s.engine.RunJob(ctx, id); err != nil {
			s.logger.Error(ctx, "job resume failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "resuming"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
