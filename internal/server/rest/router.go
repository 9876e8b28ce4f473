package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig selects the optional parts of the router.
type RouterConfig struct {
	// JWTSecret enables HS256 bearer authentication on /get_cache and /ws.
	// Empty disables it.
	JWTSecret string

	// Push is mounted at /ws when non-nil.
	Push http.Handler

	// Logger receives one line per request. When nil, requests are not
	// logged.
	Logger *slog.Logger
}

// NewRouter returns a configured chi.Router for dirwatch.
//
// Route layout:
//
//	GET /healthz    – liveness and watcher health (no authentication)
//	GET /metrics    – Prometheus metrics (no authentication)
//	GET /get_cache  – full cache snapshot, HTTP 202
//	GET /ws         – push stream, only when cfg.Push is set
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(JWTMiddleware(JWTConfig{
				Secret: []byte(cfg.JWTSecret),
				Logger: srv.logger,
			}))
		}

		r.Get("/get_cache", srv.handleGetCache)
		if cfg.Push != nil {
			r.Get("/ws", cfg.Push.ServeHTTP)
		}
	})

	return r
}
