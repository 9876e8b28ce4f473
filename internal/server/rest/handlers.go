package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dirwatch/dirwatch/internal/event"
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in handler
// functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// writeJSON encodes v as the response body with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("rest: failed to encode response", slog.Any("error", err))
	}
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	cache  Cache
	health http.Handler
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth replaces the default /healthz handler, which always reports ok.
func WithHealth(h http.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// NewServer creates a new Server reading from cache.
func NewServer(cache Cache, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{cache: cache, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health.ServeHTTP(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetCache responds to GET /get_cache.
//
// Returns HTTP 202 with the whole cache as a JSON array of {path, event}
// objects, least recently upserted first. An empty cache is "[]". The cache
// is not modified. Returns HTTP 503 when the cache actor is unavailable.
func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	changes, err := s.cache.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("rest: snapshot failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	if changes == nil {
		changes = []event.Change{}
	}
	s.writeJSON(w, http.StatusAccepted, changes)
}
