// Package api exposes the HTTP interface for the archival service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/metrics"
	"github.com/coinlens/archivist/internal/pipeline"
	"github.com/coinlens/archivist/internal/scheduler"
)

// Config controls the HTTP surface.
type Config struct {
	Port int
	// APIKey enables header authentication when non-empty.
	APIKey string
	// DefaultLimits bound manual crawls that omit their own limits.
	DefaultLimits archive.CrawlLimits
}

// Server wires HTTP handlers to the scheduler and pipeline.
type Server struct {
	router    chi.Router
	jobs      archive.JobStore
	schedules archive.ScheduleStore
	scheduler *scheduler.Scheduler
	pipeline  *pipeline.Pipeline
	cfg       Config
	log       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs archive.JobStore,
	schedules archive.ScheduleStore,
	sched *scheduler.Scheduler,
	pl *pipeline.Pipeline,
	cfg Config,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		jobs:      jobs,
		schedules: schedules,
		scheduler: sched,
		pipeline:  pl,
		cfg:       cfg,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets/{target_id}", func(r chi.Router) {
			r.Get("/status", s.getTargetStatus)
			r.Post("/crawl", s.triggerCrawl)
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Post("/", s.createSchedule)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Delete("/", s.deleteSchedule)
				r.Patch("/frequency", s.updateFrequency)
			})
		})
		r.Get("/jobs/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getTargetStatus(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	status, err := s.pipeline.GetArchivalStatus(r.Context(), targetID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, status)
}

type triggerCrawlRequest struct {
	SeedURL        string `json:"seed_url"`
	Engine         string `json:"engine"`
	MaxPages       *int   `json:"max_pages"`
	MaxDepth       *int   `json:"max_depth"`
	TimeoutMinutes *int   `json:"timeout_minutes"`
}

func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")

	var req triggerCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SeedURL == "" {
		s.writeError(w, http.StatusBadRequest, "seed_url is required")
		return
	}
	kind := archive.EngineKind(req.Engine)
	if req.Engine == "" {
		kind = archive.EngineSimple
	}
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown engine")
		return
	}

	limits := s.cfg.DefaultLimits
	if req.MaxPages != nil {
		limits.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		limits.MaxDepth = *req.MaxDepth
	}
	if req.TimeoutMinutes != nil {
		limits.Timeout = time.Duration(*req.TimeoutMinutes) * time.Minute
	}

	job, err := s.scheduler.TriggerManualCrawl(r.Context(), targetID, req.SeedURL, kind, limits)
	if err != nil {
		if errors.Is(err, archive.ErrDuplicateJob) {
			s.writeError(w, http.StatusConflict, "target already has an active crawl job")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, job)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	schedules, err := s.schedules.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, map[string]any{"schedules": schedules})
}

type createScheduleRequest struct {
	TargetID       string `json:"target_id"`
	SeedURL        string `json:"seed_url"`
	Frequency      string `json:"frequency"`
	Priority       int    `json:"priority"`
	Engine         string `json:"engine"`
	MaxPages       *int   `json:"max_pages"`
	MaxDepth       *int   `json:"max_depth"`
	TimeoutMinutes *int   `json:"timeout_minutes"`
	Enabled        *bool  `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	kind := archive.EngineKind(req.Engine)
	if req.Engine == "" {
		kind = archive.EngineSimple
	}
	limits := s.cfg.DefaultLimits
	if req.MaxPages != nil {
		limits.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		limits.MaxDepth = *req.MaxDepth
	}
	if req.TimeoutMinutes != nil {
		limits.Timeout = time.Duration(*req.TimeoutMinutes) * time.Minute
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched, err := s.scheduler.AddSchedule(r.Context(), archive.CrawlSchedule{
		TargetID:  req.TargetID,
		SeedURL:   req.SeedURL,
		Frequency: archive.Frequency(req.Frequency),
		Priority:  req.Priority,
		Limits:    limits,
		Engine:    kind,
		Enabled:   enabled,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusCreated, sched)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")
	sched, err := s.schedules.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")
	if err := s.scheduler.RemoveSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, map[string]string{"schedule_id": scheduleID, "status": "deleted"})
}

type updateFrequencyRequest struct {
	Frequency string `json:"frequency"`
}

func (s *Server) updateFrequency(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")

	var req updateFrequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.scheduler.UpdateFrequency(r.Context(), scheduleID, archive.Frequency(req.Frequency)); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.log, w, http.StatusOK, map[string]string{"schedule_id": scheduleID, "frequency": req.Frequency})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(log *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.log, w, status, map[string]string{"error": msg})
}
