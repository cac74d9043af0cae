package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/dispatch"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/profiles"
	"github.com/cuemby/colony/pkg/types"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 10 * time.Minute
	maxBodyBytes        = 32 << 20
)

// Server exposes a Manager over HTTP
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /v1/workers", s.listWorkers)
	s.mux.HandleFunc("GET /v1/workers/{id}", s.getWorker)
	s.mux.HandleFunc("POST /v1/workers/{id}/spawn", s.spawnWorker)
	s.mux.HandleFunc("DELETE /v1/workers/{id}", s.stopWorker)
	s.mux.HandleFunc("POST /v1/workers/{id}/send", s.sendMessage)
	s.mux.HandleFunc("GET /v1/summary", s.summary)
	s.mux.HandleFunc("GET /v1/sessions", s.listSessions)
	s.mux.HandleFunc("GET /v1/jobs", s.listJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.getJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/await", s.awaitJob)
	s.mux.HandleFunc("GET /v1/events", s.streamEvents)
	registerHealth(s.mux, mgr)

	return s
}

// Handler returns the routed handler wrapped in the request middleware
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")
	s.manager.Components().Set(metrics.ComponentAPI, metrics.StateRunning, "")
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.manager.Components().Set(metrics.ComponentAPI, metrics.StateStopping, "shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.manager.ListWorkers()
	if st := r.URL.Query().Get("status"); st != "" {
		filtered := workers[:0]
		for _, wk := range workers {
			if string(wk.Status) == st {
				filtered = append(filtered, wk)
			}
		}
		workers = filtered
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.manager.GetWorker(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("worker %q not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) spawnWorker(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if r.ContentLength != 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	intent := manager.IntentManual
	if req.Intent == string(manager.IntentOnDemand) {
		intent = manager.IntentOnDemand
	}
	wk, err := s.manager.SpawnByID(r.Context(), r.PathValue("id"), intent)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.StopWorker(r.Context(), id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("worker %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SendRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	opts := dispatch.Options{Attachments: req.Attachments, From: req.From}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		opts.Timeout = d
	}
	if v := r.URL.Query().Get("async"); v != "" {
		req.Async, _ = strconv.ParseBool(v)
	}

	if req.Ensure {
		if _, err := s.manager.Ensure(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	if req.Async {
		job, err := s.manager.SendAsync(id, req.Message, opts, req.RequestedBy)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	res, err := s.manager.Send(r.Context(), id, req.Message, opts)
	if err != nil && (errors.Is(err, dispatch.ErrWorkerNotFound) || errors.Is(err, dispatch.ErrNotReady) || errors.Is(err, dispatch.ErrAttachmentDenied)) {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, SendResponse{WorkerID: id, Result: *res})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("max"))
	writeJSON(w, http.StatusOK, SummaryResponse{
		Summary: s.manager.GetSummary(limit),
		Workers: len(s.manager.ListWorkers()),
		At:      time.Now(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Sessions().List())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{WorkerID: q.Get("worker"), Status: types.JobStatus(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, s.manager.Jobs().List(f))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Jobs().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) awaitJob(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxAwaitTimeout)
	}
	job, timedOut, err := s.manager.Jobs().Await(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, AwaitResponse{Job: job, TimedOut: timedOut})
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrWorkerNotFound),
		errors.Is(err, profiles.ErrUnknownProfile),
		errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrSpawnDenied):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrAttachmentDenied):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
