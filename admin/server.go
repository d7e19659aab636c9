package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server hosts the admin API and metrics on one listener
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer binds address; use port 0 to pick a free port
func NewServer(address string, handlers *AdminHandlers, metrics http.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers, metrics)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background
func (s *Server) Start() {
	log.Info().Str("address", s.Addr()).Msg("Admin server listening")
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts down gracefully and force-closes connections, such as open
// watch streams, still active at the deadline
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.httpServer.Close()
	}
	return err
}
