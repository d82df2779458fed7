// Package debugserver exposes an optional HTTP introspection surface:
// /healthz, /metrics, and /debug/state. This is an operator surface, not
// a playback control API: a chi router with request ID and recovery
// middleware, and a mounted promhttp.Handler.
package debugserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dashbuffer/internal/logger"
)

// StateProvider supplies a snapshot for /debug/state. The orchestrator
// (or whatever owns the engine's top-level state) implements this.
type StateProvider func() any

// Server is the chi-backed introspection HTTP server.
type Server struct {
	Router *chi.Mux
	log    logger.Logger
}

// New builds a Server. state may be nil, in which case /debug/state
// returns an empty object.
func New(log logger.Logger, state StateProvider) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if state == nil {
		state = func() any { return struct{}{} }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Mount("/metrics", promhttp.Handler())
	r.Get("/debug/state", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state()); err != nil {
			log.Errorf("debugserver: encoding /debug/state: %v", err)
		}
	})

	return &Server{Router: r, log: log}
}

// ListenAndServe starts the server on addr, blocking until it errors or
// is shut down.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Infof("debugserver: listening on %s", addr)
	return http.ListenAndServe(addr, s.Router)
}
