// Package server exposes the engine's five operations as a JSON HTTP API,
// plus health and prometheus metrics endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/store"
)

// Server is the spiral HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given database, engine, and version string.
func New(db *store.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/store", s.handleStore)
		r.Post("/query", s.handleQuery)
		r.Post("/relate", s.handleRelate)
		r.Get("/status", s.handleStatus)
		r.Post("/compact", s.handleCompact)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}
