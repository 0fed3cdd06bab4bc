// Package config loads the relay configuration from YAML with defaults and
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete streampulse relay configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Upstream Upstream `yaml:"upstream"`
	Gifts    Gifts    `yaml:"gifts"`
	Relay    Relay    `yaml:"relay"`
}

// Server configures the HTTP listener and its protections.
type Server struct {
	Addr      string    `yaml:"addr"`
	TLS       TLS       `yaml:"tls"`
	RateLimit RateLimit `yaml:"rate_limit"`
	CORS      CORS      `yaml:"cors"`
	Security  Security  `yaml:"security"`
}

type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RateLimit struct {
	GlobalRPS            float64 `yaml:"global_rps"`
	GlobalBurst          int     `yaml:"global_burst"`
	ConnectLimit         int     `yaml:"connect_limit"`
	ConnectWindowSeconds int     `yaml:"connect_window_seconds"`
	RedisAddr            string  `yaml:"redis_addr"`
	RedisPassword        string  `yaml:"redis_password"`
	RedisTimeoutSeconds  int     `yaml:"redis_timeout_seconds"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Security struct {
	FrameOptions          string `yaml:"frame_options"`
	ContentTypeOptions    string `yaml:"content_type_options"`
	ReferrerPolicy        string `yaml:"referrer_policy"`
	ContentSecurityPolicy string `yaml:"content_security_policy"`
}

// Logging selects log verbosity and output format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Upstream selects where live session events come from. The memory driver
// serves embedded deployments and tests; the redis driver consumes session
// streams published by capture workers.
type Upstream struct {
	Driver string        `yaml:"driver"`
	Redis  UpstreamRedis `yaml:"redis"`
}

type UpstreamRedis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Gifts selects the gift name store backing Resolve lookups.
type Gifts struct {
	Store       string `yaml:"store"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Relay tunes the viewer-facing WebSocket behaviour.
type Relay struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML file, applies defaults, environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RateLimit.ConnectWindowSeconds <= 0 {
		cfg.Server.RateLimit.ConnectWindowSeconds = 60
	}
	if cfg.Server.RateLimit.RedisTimeoutSeconds <= 0 {
		cfg.Server.RateLimit.RedisTimeoutSeconds = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Upstream.Driver == "" {
		cfg.Upstream.Driver = "memory"
	}
	if cfg.Upstream.Redis.KeyPrefix == "" {
		cfg.Upstream.Redis.KeyPrefix = "streampulse"
	}
	if cfg.Gifts.Store == "" {
		cfg.Gifts.Store = "file"
	}
	if cfg.Gifts.Path == "" {
		cfg.Gifts.Path = "data/gifts.json"
	}
	if cfg.Relay.HeartbeatSeconds <= 0 {
		cfg.Relay.HeartbeatSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_TLS_CERT")); v != "" {
		cfg.Server.TLS.CertFile = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_TLS_KEY")); v != "" {
		cfg.Server.TLS.KeyFile = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_UPSTREAM_DRIVER")); v != "" {
		cfg.Upstream.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_UPSTREAM_REDIS_ADDR")); v != "" {
		cfg.Upstream.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_UPSTREAM_REDIS_PASSWORD")); v != "" {
		cfg.Upstream.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_GIFTS_STORE")); v != "" {
		cfg.Gifts.Store = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_GIFTS_PATH")); v != "" {
		cfg.Gifts.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_GIFTS_POSTGRES_DSN")); v != "" {
		cfg.Gifts.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_RATE_REDIS_ADDR")); v != "" {
		cfg.Server.RateLimit.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("STREAMPULSE_RATE_REDIS_PASSWORD")); v != "" {
		cfg.Server.RateLimit.RedisPassword = v
	}
}

// Validate rejects configurations that would fail at runtime.
func Validate(cfg *Config) error {
	switch cfg.Upstream.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Upstream.Redis.Addr) == "" {
			return fmt.Errorf("upstream.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported upstream driver %q", cfg.Upstream.Driver)
	}

	switch cfg.Gifts.Store {
	case "file":
		if strings.TrimSpace(cfg.Gifts.Path) == "" {
			return fmt.Errorf("gifts.path is required for the file store")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Gifts.PostgresDSN) == "" {
			return fmt.Errorf("gifts.postgres_dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported gift store %q", cfg.Gifts.Store)
	}

	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	if cfg.Server.RateLimit.ConnectLimit < 0 {
		return fmt.Errorf("rate_limit.connect_limit cannot be negative")
	}
	return nil
}

// ConnectWindow returns the per-IP connect window as a duration.
func (r RateLimit) ConnectWindow() time.Duration {
	return time.Duration(r.ConnectWindowSeconds) * time.Second
}

// RedisTimeout returns the rate limiter Redis timeout as a duration.
func (r RateLimit) RedisTimeout() time.Duration {
	return time.Duration(r.RedisTimeoutSeconds) * time.Second
}

// Heartbeat returns the WebSocket heartbeat interval as a duration.
func (r Relay) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatSeconds) * time.Second
}
