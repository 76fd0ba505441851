// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package api provides the HTTP surface: the websocket upgrade
// endpoint, health probes, and Prometheus metrics, routed with Chi.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig shapes the HTTP middleware stack.
type RouterConfig struct {
	// CORSAllowedOrigins lists origins allowed to reach the API. Empty
	// allows any origin.
	CORSAllowedOrigins []string

	// UpgradeRateLimit bounds websocket upgrade attempts per client IP
	// per UpgradeRateWindow. Zero disables the limiter.
	UpgradeRateLimit  int
	UpgradeRateWindow time.Duration
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		UpgradeRateLimit:  30,
		UpgradeRateWindow: time.Minute,
	}
}

// WSHandler serves an upgraded websocket connection. Satisfied by the
// gateway.
type WSHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// ReadyChecker reports whether the instance can serve traffic.
type ReadyChecker func() error

// NewRouter assembles the full route tree.
func NewRouter(cfg RouterConfig, ws WSHandler, ready ReadyChecker) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/healthz", func(r chi.Router) {
		r.Get("/live", handleLive)
		r.Get("/ready", handleReady(ready))
		r.Get("/", handleLive)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.UpgradeRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.UpgradeRateLimit, cfg.UpgradeRateWindow))
		}
		r.Get("/ws", ws.ServeWS)
	})

	return r
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func handleLive(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady runs the readiness probe. A nil checker means always
// ready.
func handleReady(ready ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		writeHealth(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
