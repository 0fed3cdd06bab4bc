package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streampulse/internal/observability/metrics"
)

func TestRecorderWriteRendersRequestMetrics(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveRequest("get", "/healthz", 200, 15*time.Millisecond)
	recorder.ObserveRequest("GET", "/healthz", 200, 5*time.Millisecond)

	var out strings.Builder
	recorder.Write(&out)
	body := out.String()

	if !strings.Contains(body, `streampulse_http_requests_total{method="GET",path="/healthz",status="200"} 2`) {
		t.Fatalf("missing request counter in output:\n%s", body)
	}
	if !strings.Contains(body, "streampulse_http_request_duration_seconds_sum") {
		t.Fatalf("missing duration sum in output:\n%s", body)
	}
}

func TestRecorderNormalizesIdentifierSegments(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveRequest("GET", "/sessions/abcdef123456/events", 200, time.Millisecond)

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `path="/sessions/:id/events"`) {
		t.Fatalf("expected identifier segment to normalize, got:\n%s", out.String())
	}
}

func TestViewerGaugeNeverNegative(t *testing.T) {
	recorder := metrics.New()
	recorder.ViewerDisconnected()
	if got := recorder.ActiveViewers(); got != 0 {
		t.Fatalf("expected gauge to stay at 0, got %d", got)
	}
	recorder.ViewerConnected()
	recorder.ViewerConnected()
	recorder.ViewerDisconnected()
	if got := recorder.ActiveViewers(); got != 1 {
		t.Fatalf("expected gauge of 1, got %d", got)
	}
}

func TestRelayEventCounters(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveRelayEvent("chat")
	recorder.ObserveRelayEvent("chat")
	recorder.ObserveRelayEvent("GIFT ")
	recorder.ObserveRelayEvent("")

	counts := recorder.RelayEventCounts()
	if counts["chat"] != 2 || counts["gift"] != 1 || counts["unknown"] != 1 {
		t.Fatalf("unexpected relay event counts: %+v", counts)
	}
}

func TestUpstreamCounters(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveUpstreamAttempt("connect")
	recorder.ObserveUpstreamAttempt("connect")
	recorder.ObserveUpstreamFailure("connect")

	attempts, failures := recorder.UpstreamCounts()
	if attempts["connect"] != 2 || failures["connect"] != 1 {
		t.Fatalf("unexpected upstream counts: attempts=%v failures=%v", attempts, failures)
	}

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `streampulse_upstream_failures_total{operation="connect"} 1`) {
		t.Fatalf("missing failure counter:\n%s", out.String())
	}
}

func TestLikeFlushCounters(t *testing.T) {
	recorder := metrics.New()
	recorder.ObserveLikeFlush(7)
	recorder.ObserveLikeFlush(3)
	recorder.ObserveLikeFlush(-1)

	flushes, merged := recorder.LikeFlushCounts()
	if flushes != 3 || merged != 10 {
		t.Fatalf("unexpected flush counts: flushes=%d merged=%d", flushes, merged)
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	recorder := metrics.New()
	handler := metrics.HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `status="418"`) {
		t.Fatalf("expected recorded status 418:\n%s", out.String())
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := metrics.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
}
