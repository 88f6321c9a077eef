// Package server is notifyd's HTTP API: job submission and inspection,
// dead-letter operations, and the health, readiness and metrics endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/gate"
	"github.com/mohans/coursenotify/internal/metrics"
)

// Jobs is the read and dead-letter side of *asyncx.Client.
type Jobs interface {
	Job(ctx context.Context, id string) (*asyncx.Envelope, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]*asyncx.Envelope, error)
	Replay(ctx context.Context, id string) (string, error)
	Purge(ctx context.Context, id string) error
}

// Submitter is satisfied by *notify.Producer.
type Submitter interface {
	Submit(ctx context.Context, kind asyncx.Kind, raw json.RawMessage, opts ...asyncx.SubmitOption) (string, error)
}

// Readiness is satisfied by *gate.Gate.
type Readiness interface {
	Ready() bool
	Report() []gate.Status
}

type Config struct {
	// RateLimit is the number of /v1 requests allowed per client IP per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	jobs     Jobs
	submit   Submitter
	ready    Readiness
	cfg      Config
	logger   zerolog.Logger
	validate *validator.Validate
	started  time.Time
}

func New(jobs Jobs, submit Submitter, ready Readiness, cfg Config, logger zerolog.Logger) *Server {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Server{
		jobs:     jobs,
		submit:   submit,
		ready:    ready,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, s.cfg.RateWindow))
		}
		r.Use(s.requireReady)

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/replay", s.replayJob)
		r.Delete("/jobs/{id}", s.purgeJob)
		r.Post("/notify", s.notify)
		r.Get("/queues/{queue}/dead", s.deadLetters)
	})
	return r
}

// accessLog records each request in the log and in the API metrics.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		took := time.Since(start)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, took)
		s.logger.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", took).
			Msg("http request")
	})
}

func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil && !s.ready.Ready() {
			w.Header().Set("Retry-After", "5")
			respondError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies are not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"alive":  true,
		"uptime": time.Since(s.started).Seconds(),
	})
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	ready := s.ready == nil || s.ready.Ready()
	var report []gate.Status
	if s.ready != nil {
		report = s.ready.Report()
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"ready":        ready,
		"dependencies": report,
	})
}
