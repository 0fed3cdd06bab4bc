package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"streampulse/internal/live"
	"streampulse/internal/observability/metrics"
	"streampulse/internal/upstream"
)

// ConnectFailedMessage is the error payload viewers receive when an upstream
// session cannot be acquired. The channel stays open so they can retry.
const ConnectFailedMessage = "Failed to connect"

// GatewayConfig configures a relay Gateway.
type GatewayConfig struct {
	Connector upstream.Connector
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
	// HeartbeatInterval controls how often the gateway pings connected
	// viewers. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway bridges viewer WebSocket channels to upstream live sessions. Each
// viewer drives its own subscription through connect and disconnect control
// messages; events from the acquired session are normalized and forwarded
// until the session ends or the viewer lets go.
type Gateway struct {
	connector upstream.Connector
	logger    *slog.Logger
	recorder  *metrics.Recorder

	heartbeatInterval time.Duration
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		connector:         cfg.Connector,
		logger:            logger,
		recorder:          recorder,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// HandleConnection upgrades the HTTP request to a viewer WebSocket channel.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies as soon as this handler returns, so the
	// viewer's lifetime is tied to the hijacked connection instead. close()
	// cancels it.
	ctx, cancel := context.WithCancel(context.Background())

	v := &viewerConn{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 32),
		cancel:  cancel,
	}
	g.recorder.ViewerConnected()

	go v.writeLoop()
	if g.heartbeatInterval > 0 {
		go v.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go v.readLoop(ctx)
}

type controlMessage struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

type viewerConn struct {
	gateway *Gateway
	conn    *Conn
	send    chan []byte
	cancel  context.CancelFunc
	closed  sync.Once

	mu         sync.Mutex
	session    upstream.Session
	sessionID  string
	generation uint64
	sendClosed bool
}

func (v *viewerConn) readLoop(ctx context.Context) {
	defer v.close()
	for {
		payload, err := v.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			v.sendErrorEnvelope("invalid payload")
			continue
		}
		switch msg.Action {
		case "connect":
			v.handleConnect(ctx, msg.Username)
		case "disconnect":
			v.release()
		default:
			v.sendErrorEnvelope("unknown action")
		}
	}
}

func (v *viewerConn) handleConnect(ctx context.Context, username string) {
	target := strings.TrimSpace(username)
	if target == "" {
		v.sendErrorEnvelope(ConnectFailedMessage)
		return
	}

	// A fresh connect supersedes whatever the viewer was watching before.
	v.release()

	v.gateway.recorder.ObserveUpstreamAttempt("connect")
	session, err := v.gateway.connector.Connect(ctx, target)
	if err != nil {
		v.gateway.recorder.ObserveUpstreamFailure("connect")
		v.gateway.logger.Warn("upstream connect failed", "session_id", target, "error", err)
		v.sendErrorEnvelope(ConnectFailedMessage)
		return
	}

	v.mu.Lock()
	v.session = session
	v.sessionID = target
	v.generation++
	generation := v.generation
	v.mu.Unlock()

	v.gateway.logger.Info("viewer attached", "session_id", target)
	go v.forwardLoop(session, generation)
}

// forwardLoop drains one upstream session into the viewer channel. It exits
// when the session channel closes, which follows both session end and release.
func (v *viewerConn) forwardLoop(session upstream.Session, generation uint64) {
	for event := range session.Events() {
		if !v.currentGeneration(generation) {
			return
		}
		event.Normalize()
		envelope, err := event.Encode()
		if err != nil {
			v.gateway.logger.Error("failed to encode event", "kind", event.Kind, "error", err)
			continue
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			v.gateway.logger.Error("failed to marshal envelope", "kind", event.Kind, "error", err)
			continue
		}
		v.enqueue(payload)
		v.gateway.recorder.ObserveRelayEvent(string(event.Kind))
		if event.Kind == live.KindEnd {
			v.releaseGeneration(generation)
			return
		}
	}
	v.releaseGeneration(generation)
}

func (v *viewerConn) currentGeneration(generation uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.generation == generation && v.session != nil
}

// release detaches the viewer from its current session, if any. Safe to call
// repeatedly.
func (v *viewerConn) release() {
	v.mu.Lock()
	session := v.session
	sessionID := v.sessionID
	v.session = nil
	v.sessionID = ""
	v.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		v.gateway.logger.Warn("failed to close upstream session", "session_id", sessionID, "error", err)
	}
	v.gateway.logger.Info("viewer detached", "session_id", sessionID)
}

// releaseGeneration releases only when the viewer is still attached to the
// subscription that called it, so a newer connect is left undisturbed.
func (v *viewerConn) releaseGeneration(generation uint64) {
	v.mu.Lock()
	if v.generation != generation || v.session == nil {
		v.mu.Unlock()
		return
	}
	session := v.session
	sessionID := v.sessionID
	v.session = nil
	v.sessionID = ""
	v.mu.Unlock()
	_ = session.Close()
	v.gateway.logger.Info("viewer detached", "session_id", sessionID)
}

func (v *viewerConn) sendErrorEnvelope(message string) {
	event := live.Event{Kind: live.KindError, Error: &live.ErrorEvent{Message: message}}
	envelope, err := event.Encode()
	if err != nil {
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	v.enqueue(payload)
}

func (v *viewerConn) enqueue(payload []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sendClosed {
		return
	}
	select {
	case v.send <- payload:
	default:
		// Drop instead of blocking when the viewer cannot keep up.
	}
}

func (v *viewerConn) writeLoop() {
	defer v.close()
	for payload := range v.send {
		if err := v.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (v *viewerConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.conn.Ping(nil); err != nil {
				v.close()
				return
			}
		}
	}
}

func (v *viewerConn) close() {
	v.closed.Do(func() {
		if v.cancel != nil {
			v.cancel()
		}
		v.release()
		v.mu.Lock()
		v.sendClosed = true
		v.mu.Unlock()
		close(v.send)
		_ = v.conn.Close()
		v.gateway.recorder.ViewerDisconnected()
	})
}
