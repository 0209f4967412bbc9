//
//
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/auth"
	"github.com/tunnel-broadcast/amrc/internal/config"
)

// Version is reported by the health endpoint.
const Version = "2.0.0"

// Server represents the HTTP API server.
type Server struct {
	httpServer     *http.Server
	control        ControlPort
	events         EventsPort
	telemetryHub   TelemetryPort
	metrics        http.Handler
	authMiddleware *auth.Middleware
	cfg            config.APIConfig
	logger         zerolog.Logger
	startTime      time.Time
}

// NewServer creates a new API server. metrics may be nil, in which case
// /metrics is not served. A nil authMiddleware disables authentication.
func NewServer(control ControlPort, events EventsPort, hub TelemetryPort, metrics http.Handler, authMiddleware *auth.Middleware, cfg config.APIConfig, logger zerolog.Logger) *Server {
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	return &Server{
		control:        control,
		events:         events,
		telemetryHub:   hub,
		metrics:        metrics,
		authMiddleware: authMiddleware,
		cfg:            cfg,
		logger:         logger,
		startTime:      time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Serve serves on l until Stop. It returns nil after a graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("HTTP API listening")
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	}
	return nil
}

// Start listens on addr and serves.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
