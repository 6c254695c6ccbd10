// Package api is the HTTP intake surface: machine clients create packages and
// photos here, landing pages report engagement, and operators read status.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/metrics"
	"github.com/vbmedia/packline/internal/pipeline"
	"github.com/vbmedia/packline/internal/queue"
	"github.com/vbmedia/packline/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	store  *store.Store
	pipe   *pipeline.Pipeline
	tasks  *queue.BoltStorage
	config config.APIConfig
	logger *slog.Logger

	startTime time.Time
}

// NewServer creates the API server. tasks may be nil; the queue inspection
// endpoints then answer 503.
func NewServer(st *store.Store, pipe *pipeline.Pipeline, tasks *queue.BoltStorage, cfg config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		pipe:      pipe,
		tasks:     tasks,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// No auth: health and the endpoints landing pages call directly.
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/track/{key}", s.handleTrack)
	s.router.Get("/unsubscribe", s.handleUnsubscribe)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/packages", s.handleCreatePackage)
		r.Post("/packages/{id}/images", s.handleAddImage)
		r.Post("/packages/{id}/submit", s.handleSubmit)
		r.Get("/packages/{id}", s.handleGetPackage)
		r.Get("/packages/{id}/events", s.handleEvents)
		r.Post("/packages/{id}/recover", s.handleRecover)

		r.Get("/queue", s.handleQueue)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/dlq/{id}/retry", s.handleDLQRetry)
	})
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	readTimeout := s.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := s.config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
