// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pushfeed/relay/internal/logging"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Server runs the HTTP listener. Implements suture.Service.
type Server struct {
	cfg ServerConfig
	srv *http.Server
}

// NewServer wraps the handler in a configured http.Server. No write
// timeout is set: websocket connections are long-lived.
func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Serve listens until the context is canceled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	logging.Info().Str("addr", s.cfg.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http shutdown incomplete, forcing close")
		_ = s.srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
