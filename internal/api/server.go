// Geostream - GPS Telemetry Ingestion and Capacity-Aware Retention
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/geostream

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/geostream/internal/config"
	"github.com/tomtom215/geostream/internal/logging"
)

// shutdownTimeout bounds graceful drain on shutdown.
const shutdownTimeout = 10 * time.Second

// Server runs the HTTP listener as a supervised service.
type Server struct {
	httpServer *http.Server
	addr       string
}

// NewServer builds the HTTP server around the router's handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			IdleTimeout:  2 * cfg.Timeout,
		},
	}
}

// Serve listens until the context is canceled, then drains gracefully.
// Designed to sit under a suture supervisor.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

// String names the service for supervisor logs.
func (s *Server) String() string {
	return "http-server " + s.addr
}
