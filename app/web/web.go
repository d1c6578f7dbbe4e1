// Package web implements the local JSON API for the jobsync daemon. The UI
// (or curl/jq) reads the mirrored job collection and drives mutations through
// it, all actual synchronization stays in the engine.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/example/jobsync/app/client"
	"github.com/example/jobsync/app/syncer"
)

// Engine is the sync engine surface the API exposes
type Engine interface {
	Status() syncer.State
	Delete(jobID string)
	Resubmit(jobID string)
	Feedback(jobID, comment string, success int)
	SubmitPrompt(ctx context.Context, prompt, requestType string) error
	SelectSession(id, name string)
	RestartPoller()
}

// SessionAPI covers the backend calls the local API proxies directly
type SessionAPI interface {
	Sessions(ctx context.Context, userID string) ([]client.Session, error)
	NewSession(ctx context.Context, userID string) (client.Session, error)
	UpdateSession(ctx context.Context, userID, sessionID, name string) error
	RegisterUser(ctx context.Context, userID, name string) error
}

// Locals persists identity values across restarts
type Locals interface {
	SetName(name string) error
	SetSession(id, name string) error
}

// Config holds server configuration
type Config struct {
	Store   *syncer.Store
	Engine  Engine
	API     SessionAPI
	Locals  Locals
	UserID  string
	Version string
}

// Server is the local API server
type Server struct {
	store   *syncer.Store
	engine  Engine
	api     SessionAPI
	locals  Locals
	userID  string
	version string
}

// rate limit for prompt submissions, per client ip
var submitLimiter = tollbooth.NewLimiter(2, nil)

// New creates the server, validating required dependencies
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.API == nil {
		return nil, fmt.Errorf("web server requires store, engine and api")
	}
	return &Server{
		store:   cfg.Store,
		engine:  cfg.Engine,
		api:     cfg.API,
		locals:  cfg.Locals,
		userID:  cfg.UserID,
		version: cfg.Version,
	}, nil
}

// Run starts the server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting local api on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobsync", "example", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /jobs", s.handleJobsList)
		api.HandleFunc("GET /jobs/{id}", s.handleJobDetail)
		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /jobs", s.handleSubmit)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDelete)
		api.HandleFunc("POST /jobs/{id}/resubmit", s.handleResubmit)
		api.HandleFunc("POST /jobs/{id}/feedback", s.handleFeedback)

		api.HandleFunc("GET /status", s.handleStatus)

		api.HandleFunc("GET /sessions", s.handleSessions)
		api.HandleFunc("POST /sessions/new", s.handleNewSession)
		api.HandleFunc("POST /sessions/select", s.handleSelectSession)

		api.HandleFunc("POST /user", s.handleUser)
	})

	return router
}

// handleJobsList returns the mirrored jobs, most recently touched first
func (s *Server) handleJobsList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.List())
}

// jobDetailResponse is a job plus its parsed usage counters
type jobDetailResponse struct {
	syncer.Job
	Usage map[string]float64 `json:"usage,omitempty"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.store.Get(id)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}

	usage, err := job.Usage()
	if err != nil {
		log.Printf("[WARN] failed to parse usage for job %s: %v", id, err)
	}
	s.writeJSON(w, http.StatusOK, jobDetailResponse{Job: job, Usage: usage})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt      string `json:"prompt"`
		RequestType string `json:"request_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestType == "" {
		req.RequestType = "plain"
	}
	if !syncer.ValidRequestType(req.RequestType) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown request type %q", req.RequestType))
		return
	}

	if err := s.engine.SubmitPrompt(r.Context(), req.Prompt, req.RequestType); err != nil {
		log.Printf("[WARN] submit failed: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "failed to submit prompt")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.engine.Delete(r.PathValue("id"))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	s.engine.Resubmit(r.PathValue("id"))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
		Success int    `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.engine.Feedback(r.PathValue("id"), req.Comment, req.Success)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.api.Sessions(r.Context(), s.userID)
	if err != nil {
		log.Printf("[WARN] failed to list sessions: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "failed to list sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.api.NewSession(r.Context(), s.userID)
	if err != nil {
		log.Printf("[WARN] failed to create session: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "failed to create session")
		return
	}

	s.persistSession(session.SessionID, session.Name)
	s.engine.SelectSession(session.SessionID, session.Name)
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionid"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "sessionid is required")
		return
	}

	if req.Name != "" {
		if err := s.api.UpdateSession(r.Context(), s.userID, req.SessionID, req.Name); err != nil {
			log.Printf("[WARN] failed to update session name: %v", err)
		}
	}

	s.persistSession(req.SessionID, req.Name)
	s.engine.SelectSession(req.SessionID, req.Name)
	s.engine.RestartPoller()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "selected"})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if s.locals != nil {
		if err := s.locals.SetName(req.Name); err != nil {
			log.Printf("[WARN] failed to persist name: %v", err)
		}
	}
	if err := s.api.RegisterUser(r.Context(), s.userID, req.Name); err != nil {
		log.Printf("[WARN] failed to save user details: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "Failed to save user details! Please try again.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "User details saved!"})
}

func (s *Server) persistSession(id, name string) {
	if s.locals == nil {
		return
	}
	if err := s.locals.SetSession(id, name); err != nil {
		log.Printf("[WARN] failed to persist session: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
