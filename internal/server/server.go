// Package server exposes the aggregator's wire contract over HTTP: the
// watch-tasks and watch-task-details streams as Server-Sent Events, plus a
// health endpoint. Transport concerns stop here — the aggregator knows
// nothing about HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskscope/taskscope/internal/aggregator"
)

// Server is the taskscope HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds dependencies and settings for creating a Server.
type Config struct {
	Dispatcher *aggregator.Dispatcher
	Logger     *slog.Logger

	Addr        string
	ReadTimeout time.Duration
	Version     string
}

// New creates a server with all routes configured.
//
// No WriteTimeout is set: every data route is a long-lived stream and
// manages its own write deadline.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Dispatcher, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tasks/watch", h.HandleWatchTasks)
	mux.HandleFunc("GET /v1/tasks/{id}/details/watch", h.HandleWatchTaskDetails)
	mux.HandleFunc("GET /health", h.HandleHealth)

	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.Addr,
			Handler:     mux,
			ReadTimeout: cfg.ReadTimeout,
		},
		handler:  mux,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
