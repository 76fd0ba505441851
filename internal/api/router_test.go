// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubWS struct{ hits int }

func (s *stubWS) ServeWS(w http.ResponseWriter, _ *http.Request) {
	s.hits++
	// A real upgrade needs hijacking; answering 426 is enough to prove
	// routing.
	w.WriteHeader(http.StatusUpgradeRequired)
}

func TestHealthEndpoints(t *testing.T) {
	router := NewRouter(DefaultRouterConfig(), &stubWS{}, nil)

	for _, path := range []string{"/healthz", "/healthz/live", "/healthz/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d, want 200", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
			t.Fatalf("%s body = %s", path, rec.Body.String())
		}
	}
}

func TestReadinessFailure(t *testing.T) {
	failing := func() error { return errors.New("store unreachable") }
	router := NewRouter(DefaultRouterConfig(), &stubWS{}, failing)

	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "store unreachable") {
		t.Fatalf("ready body = %s", rec.Body.String())
	}

	// Liveness is independent of readiness.
	req = httptest.NewRequest(http.MethodGet, "/healthz/live", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("live = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(DefaultRouterConfig(), &stubWS{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("metrics output missing runtime collectors")
	}
}

func TestWebsocketRouting(t *testing.T) {
	ws := &stubWS{}
	router := NewRouter(DefaultRouterConfig(), ws, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if ws.hits != 1 {
		t.Fatalf("ws handler hits = %d, want 1", ws.hits)
	}
}

func TestUpgradeRateLimit(t *testing.T) {
	cfg := RouterConfig{UpgradeRateLimit: 2, UpgradeRateWindow: time.Minute}
	ws := &stubWS{}
	router := NewRouter(cfg, ws, nil)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.1.2.3:4567"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third upgrade = %d, want 429", last)
	}
	if ws.hits != 2 {
		t.Fatalf("handler hits = %d, want 2", ws.hits)
	}

	// A different client IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.9.9.9:1111"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("rate limit leaked across client IPs")
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.CORSAllowedOrigins = []string{"https://app.pushfeed.example"}
	router := NewRouter(cfg, &stubWS{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://app.pushfeed.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.pushfeed.example" {
		t.Fatalf("allow-origin = %q", got)
	}

	// Unlisted origins get no CORS grant.
	req = httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin for unlisted origin = %q", got)
	}
}
