package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP traffic, relayed
// live events, upstream connection health, gift resolution, and like
// coalescing. Writers are coordinated through a RWMutex; the active viewer
// gauge is atomic so the relay can update it from connection goroutines.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	relayEvents      map[string]uint64
	upstreamAttempts map[string]uint64
	upstreamFailures map[string]uint64
	giftLookups      map[string]uint64
	likeFlushes      uint64
	likesCoalesced   uint64
	activeViewers    atomic.Int64
	activeSessions   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately without further setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		relayEvents:      make(map[string]uint64),
		upstreamAttempts: make(map[string]uint64),
		upstreamFailures: make(map[string]uint64),
		giftLookups:      make(map[string]uint64),
	}
}

// Default returns the shared Recorder used by packages that do not carry
// their own instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRelayEvent records one relayed live event keyed by its kind.
func (r *Recorder) ObserveRelayEvent(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// ViewerConnected increments the active viewer gauge.
func (r *Recorder) ViewerConnected() {
	r.activeViewers.Add(1)
}

// ViewerDisconnected decrements the active viewer gauge, guarding against
// negative counts when concurrent teardowns race.
func (r *Recorder) ViewerDisconnected() {
	r.decrementGauge(&r.activeViewers)
}

// ActiveViewers exposes the current number of connected relay viewers.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// SessionStarted increments the gauge of upstream sessions known to be live.
func (r *Recorder) SessionStarted() {
	r.activeSessions.Add(1)
}

// SessionEnded decrements the live session gauge.
func (r *Recorder) SessionEnded() {
	r.decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current live session gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ObserveUpstreamAttempt records an upstream operation attempt keyed by name
// (e.g. "connect", "publish").
func (r *Recorder) ObserveUpstreamAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.upstreamAttempts[op]++
	r.mu.Unlock()
}

// ObserveUpstreamFailure records a failed upstream operation. Callers record
// the attempt separately.
func (r *Recorder) ObserveUpstreamFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.upstreamFailures[op]++
	r.mu.Unlock()
}

// ObserveGiftLookup records the outcome of a gift name resolution ("default",
// "learned", or "synthesized").
func (r *Recorder) ObserveGiftLookup(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.giftLookups[normalized]++
	r.mu.Unlock()
}

// ObserveLikeFlush records one coalescer flush together with the number of
// like increments it merged.
func (r *Recorder) ObserveLikeFlush(merged int) {
	if merged < 0 {
		merged = 0
	}
	r.mu.Lock()
	r.likeFlushes++
	r.likesCoalesced += uint64(merged)
	r.mu.Unlock()
}

// LikeFlushCounts returns the flush and merged-like counters for tests.
func (r *Recorder) LikeFlushCounts() (flushes, merged uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.likeFlushes, r.likesCoalesced
}

// UpstreamCounts returns copies of upstream attempt and failure counters.
func (r *Recorder) UpstreamCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.upstreamAttempts))
	for k, v := range r.upstreamAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.upstreamFailures))
	for k, v := range r.upstreamFailures {
		failures[k] = v
	}
	return attempts, failures
}

// RelayEventCounts returns a copy of the relayed event counters.
func (r *Recorder) RelayEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.relayEvents))
	for k, v := range r.relayEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.relayEvents = make(map[string]uint64)
	r.upstreamAttempts = make(map[string]uint64)
	r.upstreamFailures = make(map[string]uint64)
	r.giftLookups = make(map[string]uint64)
	r.likeFlushes = 0
	r.likesCoalesced = 0
	r.activeViewers.Store(0)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets
// so scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	relayEvents := sortedKeys(r.relayEvents)
	upstreamOps := r.sortedUpstreamOperations()
	giftOutcomes := sortedKeys(r.giftLookups)

	fmt.Fprintln(w, "# HELP streampulse_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE streampulse_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streampulse_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streampulse_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streampulse_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streampulse_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP streampulse_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streampulse_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streampulse_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streampulse_relay_events_total Relayed live events by kind")
	fmt.Fprintln(w, "# TYPE streampulse_relay_events_total counter")
	for _, kind := range relayEvents {
		fmt.Fprintf(w, "streampulse_relay_events_total{kind=\"%s\"} %d\n", kind, r.relayEvents[kind])
	}

	fmt.Fprintln(w, "# HELP streampulse_active_viewers Current number of connected relay viewers")
	fmt.Fprintln(w, "# TYPE streampulse_active_viewers gauge")
	fmt.Fprintf(w, "streampulse_active_viewers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP streampulse_active_sessions Current number of upstream sessions known to be live")
	fmt.Fprintln(w, "# TYPE streampulse_active_sessions gauge")
	fmt.Fprintf(w, "streampulse_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streampulse_upstream_attempts_total Upstream operations attempted by name")
	fmt.Fprintln(w, "# TYPE streampulse_upstream_attempts_total counter")
	for _, op := range upstreamOps {
		fmt.Fprintf(w, "streampulse_upstream_attempts_total{operation=\"%s\"} %d\n", op, r.upstreamAttempts[op])
	}

	fmt.Fprintln(w, "# HELP streampulse_upstream_failures_total Upstream operation failures by name")
	fmt.Fprintln(w, "# TYPE streampulse_upstream_failures_total counter")
	for _, op := range upstreamOps {
		fmt.Fprintf(w, "streampulse_upstream_failures_total{operation=\"%s\"} %d\n", op, r.upstreamFailures[op])
	}

	fmt.Fprintln(w, "# HELP streampulse_gift_lookups_total Gift name resolutions by outcome")
	fmt.Fprintln(w, "# TYPE streampulse_gift_lookups_total counter")
	for _, outcome := range giftOutcomes {
		fmt.Fprintf(w, "streampulse_gift_lookups_total{outcome=\"%s\"} %d\n", outcome, r.giftLookups[outcome])
	}

	fmt.Fprintln(w, "# HELP streampulse_like_flushes_total Coalescer flushes emitted")
	fmt.Fprintln(w, "# TYPE streampulse_like_flushes_total counter")
	fmt.Fprintf(w, "streampulse_like_flushes_total %d\n", r.likeFlushes)

	fmt.Fprintln(w, "# HELP streampulse_likes_coalesced_total Like increments merged into flushes")
	fmt.Fprintln(w, "# TYPE streampulse_likes_coalesced_total counter")
	fmt.Fprintf(w, "streampulse_likes_coalesced_total %d\n", r.likesCoalesced)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUpstreamOperations() []string {
	seen := make(map[string]struct{}, len(r.upstreamAttempts)+len(r.upstreamFailures))
	for op := range r.upstreamAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.upstreamFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveRelayEvent records a relayed event on the default recorder.
func ObserveRelayEvent(kind string) {
	defaultRecorder.ObserveRelayEvent(kind)
}

// ViewerConnected increments the viewer gauge on the default recorder.
func ViewerConnected() {
	defaultRecorder.ViewerConnected()
}

// ViewerDisconnected decrements the viewer gauge on the default recorder.
func ViewerDisconnected() {
	defaultRecorder.ViewerDisconnected()
}

// ObserveUpstreamAttempt records an upstream attempt on the default recorder.
func ObserveUpstreamAttempt(operation string) {
	defaultRecorder.ObserveUpstreamAttempt(operation)
}

// ObserveUpstreamFailure records an upstream failure on the default recorder.
func ObserveUpstreamFailure(operation string) {
	defaultRecorder.ObserveUpstreamFailure(operation)
}

// ObserveGiftLookup records a gift resolution outcome on the default recorder.
func ObserveGiftLookup(outcome string) {
	defaultRecorder.ObserveGiftLookup(outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
