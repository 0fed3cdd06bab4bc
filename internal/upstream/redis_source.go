package upstream

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"streampulse/internal/live"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisSourceConfig configures the Redis Streams-backed upstream connector.
// A platform bridge announces live sessions under a presence key and XADDs
// normalized event envelopes into a per-session stream; each relay viewer
// reads the stream through its own ephemeral consumer group.
type RedisSourceConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

const defaultKeyPrefix = "streampulse"

// NewRedisSource initialises a Connector backed by Redis Streams. The caller
// is responsible for ensuring the Redis instance is reachable.
func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	source := &RedisSource{
		client:       client,
		prefix:       prefix,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if source.logger == nil {
		source.logger = slog.Default()
	}
	if source.blockTimeout <= 0 {
		source.blockTimeout = 2 * time.Second
	}
	return source, nil
}

// RedisSource implements Connector over Redis Streams.
type RedisSource struct {
	client       redis.UniversalClient
	prefix       string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int
}

// Close releases the underlying Redis client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) presenceKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *RedisSource) streamKey(sessionID string) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, sessionID)
}

// Connect verifies the session's presence key and starts a reader over its
// event stream. Each handle uses its own consumer group so every viewer sees
// the full event flow independently.
func (s *RedisSource) Connect(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &ConnectError{SessionID: sessionID, Err: errors.New("session id is required")}
	}
	exists, err := s.client.Do(ctx, "EXISTS", s.presenceKey(sessionID)).Int64()
	if err != nil {
		return nil, &ConnectError{SessionID: sessionID, Err: err}
	}
	if exists == 0 {
		return nil, &ConnectError{SessionID: sessionID, Err: ErrSessionNotLive}
	}
	group := randomGroupID()
	stream := s.streamKey(sessionID)
	if err := s.ensureGroup(ctx, stream, group); err != nil {
		return nil, &ConnectError{SessionID: sessionID, Err: err}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSession{
		source:   s,
		stream:   stream,
		group:    group,
		consumer: group + "-0",
		cancel:   cancel,
		ch:       make(chan live.Event, s.buffer),
	}
	go sub.run(runCtx)
	return sub, nil
}

func (s *RedisSource) ensureGroup(ctx context.Context, stream, group string) error {
	_, err := s.client.Do(ctx, "XGROUP", "CREATE", stream, group, "$", "MKSTREAM").Result()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

type redisSession struct {
	source   *RedisSource
	stream   string
	group    string
	consumer string
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
	ch     chan live.Event
}

func (s *redisSession) Events() <-chan live.Event {
	return s.ch
}

func (s *redisSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

// deliver hands an event to the subscriber unless the session has been
// closed. The channel itself is closed only by run, so a Close racing a
// blocked send unsticks it through the context instead.
func (s *redisSession) deliver(ctx context.Context, event live.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *redisSession) run(ctx context.Context) {
	defer func() {
		_ = s.Close()
		close(s.ch)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if s.source.logger != nil {
				s.source.logger.Warn("upstream redis read failed", "stream", s.stream, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, entry := range entries {
			var env live.Envelope
			if err := json.Unmarshal(entry.Payload, &env); err != nil {
				if s.source.logger != nil {
					s.source.logger.Error("upstream redis decode failed", "stream", s.stream, "error", err)
				}
				s.ack(ctx, entry.ID)
				continue
			}
			event, err := live.Decode(env)
			if err != nil {
				if s.source.logger != nil {
					s.source.logger.Error("upstream redis envelope invalid", "stream", s.stream, "error", err)
				}
				s.ack(ctx, entry.ID)
				continue
			}
			if !s.deliver(ctx, event) {
				return
			}
			s.ack(ctx, entry.ID)
			if event.Kind == live.KindEnd {
				return
			}
		}
	}
}

func (s *redisSession) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if _, err := s.source.client.Do(ctx, "XACK", s.stream, s.group, id).Result(); err != nil && s.source.logger != nil {
		if !errors.Is(err, context.Canceled) {
			s.source.logger.Warn("upstream redis ack failed", "id", id, "error", err)
		}
	}
}

type redisStreamEntry struct {
	ID      string
	Payload []byte
}

func (s *redisSession) read(ctx context.Context) ([]redisStreamEntry, error) {
	blockMs := int(math.Max(float64(s.source.blockTimeout.Milliseconds()), 1))
	reply, err := s.source.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		s.group,
		s.consumer,
		"COUNT",
		"32",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		s.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	var entries []redisStreamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload := extractPayload(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, redisStreamEntry{ID: id, Payload: payload})
		}
	}
	return entries, nil
}

// Publisher is the bridge-side counterpart to RedisSource: it announces live
// sessions and appends their event envelopes for relays to consume.
type Publisher struct {
	client redis.UniversalClient
	prefix string
}

// NewPublisher wraps an existing source's client for publishing. The bridge
// process normally owns its own RedisSource purely for this.
func NewPublisher(source *RedisSource) *Publisher {
	return &Publisher{client: source.client, prefix: source.prefix}
}

// Announce marks the session as live so relay Connect calls succeed.
func (p *Publisher) Announce(ctx context.Context, sessionID string) error {
	_, err := p.client.Do(ctx, "SET", fmt.Sprintf("%s:session:%s", p.prefix, sessionID), "1").Result()
	return err
}

// Retire removes the presence key and appends a terminal end envelope.
func (p *Publisher) Retire(ctx context.Context, sessionID string) error {
	if _, err := p.client.Do(ctx, "DEL", fmt.Sprintf("%s:session:%s", p.prefix, sessionID)).Result(); err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, live.Event{Kind: live.KindEnd, OccurredAt: time.Now().UTC()})
}

// Publish appends one event envelope to the session stream.
func (p *Publisher) Publish(ctx context.Context, sessionID string, event live.Event) error {
	env, err := event.Encode()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = p.client.Do(ctx, "XADD", fmt.Sprintf("%s:events:%s", p.prefix, sessionID), "*", "payload", string(payload)).Result()
	return err
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout")
}

func randomGroupID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("viewer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("viewer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
