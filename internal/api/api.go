// Package api serves the operator HTTP API and the live alert feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"stockwatch/internal/logging"
)

const readHeaderTimeout = 5 * time.Second

// Server runs the gin router on an http.Server so it can be shut down
// gracefully.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

func NewServer(addr string, h *Handler, hub *Hub, basePath string, logger *logging.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h, hub, basePath, logger),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// Start serves in the background. A listen failure is sent on errc.
func (s *Server) Start(errc chan<- error) {
	go func() {
		s.logger.Infof("Starting API server on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("API server failed: %v", err)
			errc <- err
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
