// Package api exposes the HTTP trigger surface for the crawl pipeline.
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

	"github.com/packvault/catalog-crawler/internal/catalog"
	"github.com/packvault/catalog-crawler/internal/crawl"
	"github.com/packvault/catalog-crawler/internal/metrics"
)

// CrawlController is the slice of the state machine the API drives.
type CrawlController interface {
	Start(ctx context.Context, fromPage int) error
	Stop() error
	Status() (catalog.CrawlStatus, int)
}

// Maintainer runs the asset refresh pass.
type Maintainer interface {
	RefreshHostedAssets(ctx context.Context) error
}

// Server wires HTTP handlers to the crawl state machine.
type Server struct {
	router     chi.Router
	controller CrawlController
	maintainer Maintainer
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The maintainer
// may be nil; the refresh endpoint then answers 503.
func NewServer(controller CrawlController, maintainer Maintainer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controller: controller,
		maintainer: maintainer,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/start", s.startCrawl)
			r.Post("/stop", s.stopCrawl)
			r.Get("/status", s.crawlStatus)
		})
		r.Post("/maintenance/refresh-assets", s.refreshAssets)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	Page int `json:"page"`
}

// startCrawl dispatches the crawl loop in the background; the caller never
// blocks on run completion. Starting an already-running crawl is accepted
// as a no-op.
func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Page < 0 {
		s.writeError(w, http.StatusBadRequest, "page must be >= 1")
		return
	}

	go func() {
		// Detached from the request: the run outlives the HTTP exchange.
		if err := s.controller.Start(context.Background(), req.Page); err != nil {
			s.logger.Error("crawl run failed", zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Stop(); err != nil {
		if errors.Is(err, crawl.ErrAlreadyStopped) {
			s.writeError(w, http.StatusConflict, "crawl already stopped")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	status, page := s.controller.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"current_page": page,
	})
}

func (s *Server) refreshAssets(w http.ResponseWriter, _ *http.Request) {
	if s.maintainer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "maintenance is not configured")
		return
	}
	go func() {
		if err := s.maintainer.RefreshHostedAssets(context.Background()); err != nil {
			s.logger.Error("asset refresh failed", zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
