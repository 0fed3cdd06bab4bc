package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"streampulse/internal/live"
	"streampulse/internal/upstream"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the relay WebSocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL       string
	Header    http.Header
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Buffer    int
}

// Client implements upstream.Connector by subscribing through a relay's
// WebSocket endpoint, the same channel a browser overlay uses. Each Connect
// call opens its own connection so sessions are independent.
type Client struct {
	url       string
	header    http.Header
	tlsConfig *tls.Config
	logger    *slog.Logger
	buffer    int
}

// NewClient validates the endpoint and returns a connector for it.
func NewClient(cfg ClientConfig) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("relay url must use ws or wss scheme")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 32
	}
	return &Client{
		url:       url,
		header:    cfg.Header,
		tlsConfig: cfg.TLSConfig,
		logger:    logger,
		buffer:    buffer,
	}, nil
}

// Connect opens a WebSocket channel and requests the session's event flow.
// The relay reports an unavailable session as an error event rather than a
// refused handshake, so failures surface on the returned session's channel
// followed by its closure.
func (c *Client) Connect(ctx context.Context, sessionID string) (upstream.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &upstream.ConnectError{SessionID: sessionID, Err: fmt.Errorf("session id is required")}
	}
	conn, err := Dial(ctx, c.url, c.header, c.tlsConfig)
	if err != nil {
		return nil, &upstream.ConnectError{SessionID: sessionID, Err: err}
	}
	request, err := json.Marshal(controlMessage{Action: "connect", Username: sessionID})
	if err != nil {
		_ = conn.Close()
		return nil, &upstream.ConnectError{SessionID: sessionID, Err: err}
	}
	if err := conn.WriteText(request); err != nil {
		_ = conn.Close()
		return nil, &upstream.ConnectError{SessionID: sessionID, Err: err}
	}
	session := &clientSession{
		conn:   conn,
		logger: c.logger,
		ch:     make(chan live.Event, c.buffer),
	}
	go session.run()
	return session, nil
}

type clientSession struct {
	conn   *Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan live.Event
}

func (s *clientSession) Events() <-chan live.Event {
	return s.ch
}

// Close tells the relay to release the subscription and tears the
// connection down.
func (s *clientSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if request, err := json.Marshal(controlMessage{Action: "disconnect"}); err == nil {
		_ = s.conn.WriteText(request)
	}
	return s.conn.Close()
}

// deliver drops the event once the session is closed instead of blocking the
// read loop.
func (s *clientSession) deliver(event live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *clientSession) run() {
	defer s.Close()
	ctx := context.Background()
	for {
		message, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var env live.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("relay client received malformed frame", "error", err)
			continue
		}
		event, err := live.Decode(env)
		if err != nil {
			s.logger.Warn("relay client received unknown envelope", "type", env.Type, "error", err)
			continue
		}
		s.deliver(event)
		if event.Kind == live.KindEnd {
			return
		}
		if event.Kind == live.KindError && event.Error != nil && event.Error.Message == ConnectFailedMessage {
			return
		}
	}
}
