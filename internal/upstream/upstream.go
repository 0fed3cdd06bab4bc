package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streampulse/internal/live"
)

// ErrSessionNotLive indicates that the requested session identifier does not
// correspond to an active upstream broadcast.
var ErrSessionNotLive = errors.New("session is not live")

// ConnectError wraps failures to acquire an upstream session handle. The relay
// reports these to the viewer channel without tearing it down.
type ConnectError struct {
	SessionID string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to session %q: %v", e.SessionID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Connector acquires handles on upstream live sessions. Implementations are
// unreliable event sources: an acquired Session may terminate at any time.
type Connector interface {
	Connect(ctx context.Context, sessionID string) (Session, error)
}

// Session is an active subscription to one upstream broadcast. The events
// channel closes after a KindEnd event or once Close is called.
type Session interface {
	Events() <-chan live.Event
	Close() error
}

// HubConfig configures the in-memory hub.
type HubConfig struct {
	// Buffer sizes each subscriber channel. Events are dropped rather than
	// blocking the emitter when a subscriber falls behind.
	Buffer int
}

// Hub is an in-process Connector for tests and embedded deployments. Sessions
// are registered with Start, fed with Emit, and terminated with End; Drop
// severs subscribers without ending the broadcast.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*hubSession]struct{}
	buffer   int
}

// NewHub initialises an empty hub.
func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		sessions: make(map[string]map[*hubSession]struct{}),
		buffer:   buffer,
	}
}

// Start marks the session identifier as live so Connect calls succeed.
func (h *Hub) Start(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[sessionID]; !exists {
		h.sessions[sessionID] = make(map[*hubSession]struct{})
	}
}

// Emit fans an event out to every subscriber of the session. Events for
// unknown sessions are dropped.
func (h *Hub) Emit(sessionID string, event live.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.sessions[sessionID] {
		sub.deliver(event)
	}
}

// End emits a terminal end event to every subscriber, closes their channels,
// and removes the session so subsequent Connect calls fail.
func (h *Hub) End(sessionID string) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	for sub := range subs {
		sub.deliver(live.Event{Kind: live.KindEnd, OccurredAt: time.Now().UTC()})
		sub.shutdown()
	}
}

// Drop severs every subscriber of the session without a terminal end event,
// the way a transport failure would. The session stays live, so subscribers
// may reconnect.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	if subs != nil {
		h.sessions[sessionID] = make(map[*hubSession]struct{})
	}
	h.mu.Unlock()
	for sub := range subs {
		sub.shutdown()
	}
}

// Connect subscribes to a live session, failing with a ConnectError when the
// identifier is unknown.
func (h *Hub) Connect(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, active := h.sessions[sessionID]
	if !active {
		return nil, &ConnectError{SessionID: sessionID, Err: ErrSessionNotLive}
	}
	sub := &hubSession{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan live.Event, h.buffer),
	}
	subs[sub] = struct{}{}
	return sub, nil
}

type hubSession struct {
	hub       *Hub
	sessionID string

	mu     sync.Mutex
	closed bool
	ch     chan live.Event
}

func (s *hubSession) Events() <-chan live.Event {
	return s.ch
}

func (s *hubSession) Close() error {
	s.hub.mu.Lock()
	if subs := s.hub.sessions[s.sessionID]; subs != nil {
		delete(subs, s)
	}
	s.hub.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *hubSession) deliver(event live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// Drop instead of blocking to keep the emit path responsive.
	}
}

func (s *hubSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
