package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/metrics"
	"github.com/JakeFAU/data-collector/internal/sequence"
	"github.com/JakeFAU/data-collector/internal/store"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

const requestTimeout = 60 * time.Second

// CrawlSubmitter starts crawl specifications.
type CrawlSubmitter interface {
	Submit(ctx context.Context, spec collector.Specification) (*workmanager.Job, error)
}

// RecoverySubmitter starts recoveries from one stream into another.
type RecoverySubmitter interface {
	Submit(ctx context.Context, source, target string) (*workmanager.Job, error)
}

// IntegrityRunner starts scans and reports index state.
type IntegrityRunner interface {
	Run(ctx context.Context, stream string) (*workmanager.Job, error)
	IsRunning(stream string) bool
	Span(stream string) (sequence.Span, error)
}

// Deps groups what the handlers need. History and Ready are optional.
type Deps struct {
	Registry   *workmanager.Registry
	Crawls     CrawlSubmitter
	Recoveries RecoverySubmitter
	Integrity  IntegrityRunner
	History    store.HistoryRepository
	// Ready reports whether downstream stores are reachable.
	Ready       func(ctx context.Context) error
	AuthEnabled bool
	APIKey      string
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the job services.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Crawls == nil || deps.Recoveries == nil || deps.Integrity == nil {
		return nil, errors.New("registry, crawl, recovery and integrity services are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.AuthEnabled {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Put("/", s.submitTask)
			r.Delete("/{worker_id}", s.cancelKind(collector.JobKindCrawl))
		})
		r.Route("/integrity", func(r chi.Router) {
			r.Put("/{stream}", s.startScan)
			r.Get("/{stream}", s.scanStatus)
		})
		r.Route("/recovery", func(r chi.Router) {
			r.Get("/", s.listRecoveries)
			r.Put("/{source}/{target}", s.startRecovery)
			r.Get("/{worker_id}", s.getKind(collector.JobKindRecovery))
			r.Delete("/{worker_id}", s.cancelKind(collector.JobKindRecovery))
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{worker_id}", func(r chi.Router) {
				r.Get("/", s.getKind(""))
				r.Post("/cancel", s.cancelKind(""))
				r.Delete("/", s.removeJob)
			})
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.listHistory)
			r.Get("/{worker_id}", s.getHistory)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workmanager.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, workmanager.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workmanager.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return "", errors.New(name + " is required")
	}
	val, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.New("invalid " + name)
	}
	return val, nil
}

func parseWorkerID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "worker_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("worker_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid worker_id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
