package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the Control API's HTTP endpoints for one collector.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a Server bound to port, backed by provider. Routes:
// /health, /api/status, /api/subscribe, /api/unsubscribe (spec §4.7).
func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	h := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/subscribe", h.HandleSubscribe)
	mux.HandleFunc("/api/unsubscribe", h.HandleUnsubscribe)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "control-server"),
	}
}

// Start blocks serving until Stop is called, returning nil on a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("control api starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping control api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
