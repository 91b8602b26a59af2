// Package server exposes the HTTP API: message submission and listing
// behind API-key auth, plus the public health endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsgate/smsgate/internal/apikey"
	"github.com/smsgate/smsgate/internal/config"
	"github.com/smsgate/smsgate/internal/gateway"
	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
)

// ModemStatus is the slice of the status monitor the server reads.
type ModemStatus interface {
	Status() (health *modem.Health, healthy bool)
}

// Server is the smsgate HTTP server.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	pool    *pgxpool.Pool
	msgSvc  *message.Service
	monitor ModemStatus
	queues  gateway.QueueController
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, msgSvc *message.Service, auth *apikey.Middleware, monitor ModemStatus, queues gateway.QueueController) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:     cfg,
		router:  r,
		logger:  logger,
		pool:    pool,
		msgSvc:  msgSvc,
		monitor: monitor,
		queues:  queues,
	}

	// Health check (public, no auth).
	r.Get("/api/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(auth.Authenticate)

		r.Post("/messages", s.handleCreateMessage)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
	})

	return s
}

// Router returns the chi router, mainly for handler tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}
