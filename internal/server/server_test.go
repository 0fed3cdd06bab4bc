package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streampulse/internal/gifts"
	"streampulse/internal/live"
	"streampulse/internal/observability/metrics"
	"streampulse/internal/relay"
	"streampulse/internal/upstream"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *upstream.Hub) {
	t.Helper()

	hub := upstream.NewHub(upstream.HubConfig{})

	store, err := gifts.NewFileStore(gifts.FileStoreConfig{
		Path:   filepath.Join(t.TempDir(), "gifts.json"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}

	gateway := relay.NewGateway(relay.GatewayConfig{
		Connector: hub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:  metrics.New(),
	})

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(gateway, store, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv, hub
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestHealthzRejectsPost(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGiftNamesEndpointServesVocabulary(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/gifts", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
	var names map[int64]string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode gift names: %v", err)
	}
	if names[5655] != "🌹 Rose" {
		t.Fatalf("expected default rose entry, got %q", names[5655])
	}
}

func TestMetricsEndpointRendersCounters(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	handler := srv.Handler()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "streampulse_http_requests_total") {
		t.Fatalf("expected request counter in metrics output, got:\n%s", rec.Body.String())
	}
}

func TestWebSocketUpgradeThroughMiddlewareChain(t *testing.T) {
	srv, hub := newTestServer(t, Config{})
	hub.Start("streamer")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := relay.Dial(ctx, wsURL, nil, nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteText([]byte(`{"action":"connect","username":"streamer"}`)); err != nil {
		t.Fatalf("WriteText error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.Emit("streamer", live.Event{Kind: live.KindViewer, Viewer: &live.ViewerEvent{Count: 7}})
		readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		message, err := conn.ReadMessage(readCtx)
		readCancel()
		if err != nil {
			continue
		}
		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if envelope.Type == "viewer" {
			return
		}
	}
	t.Fatal("expected a viewer count event over the upgraded connection")
}

func TestConnectRateLimitRejectsBurst(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{ConnectLimit: 2, ConnectWindow: time.Minute},
	})

	handler := srv.Handler()
	statuses := make([]int, 0, 3)
	var lastRetryAfter string
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
		lastRetryAfter = rec.Header().Get("Retry-After")
	}

	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third upgrade attempt to be limited, got %v", statuses)
	}
	if lastRetryAfter == "" {
		t.Fatal("expected Retry-After header on rejected upgrade")
	}
}

func TestGlobalRateLimitAppliesToAllRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	handler := srv.Handler()
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be limited, got %d", second.Code)
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected forwarded address, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.8")
	if got := extractClientIP(req); got != "198.51.100.8" {
		t.Fatalf("expected real ip header, got %q", got)
	}

	req.Header.Del("X-Real-IP")
	if got := extractClientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote address host, got %q", got)
	}
}
