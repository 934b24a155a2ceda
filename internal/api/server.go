package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/id/uuid"
	"github.com/streamwatch/streamwatch/internal/metrics"
	"github.com/streamwatch/streamwatch/internal/monitor"
)

const defaultTimeout = 60 * time.Second

// Service is the slice of the monitor the handlers call.
type Service interface {
	Track(ctx context.Context, name string, keywords []string) error
	Follow(ctx context.Context, name string, accounts []string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Info(ctx context.Context) monitor.Summary
	InfoCrawler(ctx context.Context, name string) (monitor.Detail, error)
}

// Config holds the server knobs.
type Config struct {
	// APIKey guards the /v1 routes when non-empty. Probe and metrics
	// routes stay open either way.
	APIKey string
	// Timeout bounds request handling (default 60s).
	Timeout time.Duration
	// Ready reports startup completion for the readiness probe. Nil means
	// always ready.
	Ready func() bool
}

// Server wires HTTP handlers to the monitor.
type Server struct {
	router chi.Router
	svc    Service
	cfg    Config
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, log *zap.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.NewGenerator()))
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/info", s.info)
		r.Route("/crawlers", func(r chi.Router) {
			r.Post("/track", s.track)
			r.Post("/follow", s.follow)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.infoCrawler)
				r.Post("/pause", s.pause)
				r.Post("/resume", s.resume)
				r.Delete("/", s.remove)
			})
		})
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
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("write response failed", zap.Error(err))
	}
}

type requestIDKey struct{}

// requestIDFrom returns the request's ID, or "" outside the middleware chain.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(gen *uuid.Generator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := gen.MustNewID()
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestIDFrom(r.Context())),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(errorResponse{
						Error: "internal server error",
						Kind:  kindInternal,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(errorResponse{
					Error: "unauthorized",
					Kind:  kindUnauthorized,
				})
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
