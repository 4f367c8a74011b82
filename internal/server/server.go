// Package server exposes the batch API and operational endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
	"github.com/3leaps/clipforge/internal/server/handlers"
	"github.com/3leaps/clipforge/internal/server/middleware"
)

// Server wraps the router and the listening http.Server.
type Server struct {
	host string
	port int

	api        *handlers.API
	adminToken string
	logger     *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAPI mounts the /v1 routes.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithAdminToken enables the credit grant endpoint behind a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets the http.Server timeouts. Zero values keep the defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port. Routes are registered
// immediately so Handler can be exercised without listening.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		s.registerAPI(r)
	}
	return r
}

func (s *Server) registerAPI(r chi.Router) {
	api := s.api
	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", api.CreateBatch)
			r.Get("/", api.ListBatches)
			r.Get("/latest", api.LatestBatch)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", api.GetBatch)
				r.Get("/clips", api.ListClips)
				r.Get("/events", api.BatchEvents)
				r.Post("/cancel", api.CancelBatch)
			})
		})
		r.Post("/clips/{id}/review", api.ReviewClip)
		r.Get("/quote", api.Quote)

		r.Post("/worker/tick", api.WorkerTick)
		r.Post("/worker/sweep", api.WorkerSweep)

		r.Get("/credits/{user}", api.Credits)
		if s.adminToken != "" {
			r.With(middleware.AdminToken(s.adminToken)).Post("/credits/{user}/grant", api.GrantCredits)
		}
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// Start listens until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
