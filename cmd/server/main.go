// Command server starts the streampulse relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streampulse/internal/config"
	"streampulse/internal/gifts"
	"streampulse/internal/observability/logging"
	"streampulse/internal/observability/metrics"
	"streampulse/internal/relay"
	"streampulse/internal/server"
	"streampulse/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	upstreamDriver := flag.String("upstream-driver", "", "upstream event source (memory or redis)")
	upstreamRedisAddr := flag.String("upstream-redis-addr", "", "Redis address for the upstream event source")
	upstreamRedisPassword := flag.String("upstream-redis-password", "", "Redis password for the upstream event source")
	giftStore := flag.String("gift-store", "", "gift name store driver (file or postgres)")
	giftPath := flag.String("gift-path", "", "path to the JSON gift name store")
	giftPostgresDSN := flag.String("gift-postgres-dsn", "", "Postgres DSN for the gift name store")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	connectLimit := flag.Int("rate-connect-limit", 0, "maximum WebSocket upgrades per window for a single IP")
	connectWindow := flag.Duration("rate-connect-window", 0, "window for counting WebSocket upgrades")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed connect throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed connect throttling")
	heartbeat := flag.Duration("heartbeat", 0, "WebSocket heartbeat interval")
	flag.Parse()

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, cfg.Logging.Level),
		Format: firstNonEmpty(*logFormat, cfg.Logging.Format),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, cfg.Server.Addr)
	driver := firstNonEmpty(*upstreamDriver, cfg.Upstream.Driver)

	var connector upstream.Connector
	var sourceCloser func() error
	switch driver {
	case "memory":
		connector = upstream.NewHub(upstream.HubConfig{})
	case "redis":
		source, err := upstream.NewRedisSource(upstream.RedisSourceConfig{
			Addr:      firstNonEmpty(*upstreamRedisAddr, cfg.Upstream.Redis.Addr),
			Password:  firstNonEmpty(*upstreamRedisPassword, cfg.Upstream.Redis.Password),
			KeyPrefix: cfg.Upstream.Redis.KeyPrefix,
			Logger:    logging.WithComponent(logger, "upstream"),
		})
		if err != nil {
			logger.Error("failed to initialise redis upstream", "error", err)
			os.Exit(1)
		}
		connector = source
		sourceCloser = source.Close
	default:
		logger.Error("unsupported upstream driver", "driver", driver)
		os.Exit(1)
	}

	store, storeCloser, err := openGiftStore(cfg, *giftStore, *giftPath, *giftPostgresDSN, logger, recorder)
	if err != nil {
		logger.Error("failed to open gift store", "error", err)
		os.Exit(1)
	}

	gateway := relay.NewGateway(relay.GatewayConfig{
		Connector:         connector,
		Logger:            logging.WithComponent(logger, "relay"),
		Recorder:          recorder,
		HeartbeatInterval: resolveHeartbeat(*heartbeat, cfg),
	})

	srv, err := server.New(gateway, store, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, cfg.Server.TLS.CertFile),
			KeyFile:  firstNonEmpty(*tlsKey, cfg.Server.TLS.KeyFile),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMPULSE_RATE_GLOBAL_RPS", cfg.Server.RateLimit.GlobalRPS),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMPULSE_RATE_GLOBAL_BURST", cfg.Server.RateLimit.GlobalBurst),
			ConnectLimit:  resolveInt(*connectLimit, "STREAMPULSE_RATE_CONNECT_LIMIT", cfg.Server.RateLimit.ConnectLimit),
			ConnectWindow: resolveDuration(*connectWindow, "STREAMPULSE_RATE_CONNECT_WINDOW", cfg.Server.RateLimit.ConnectWindow()),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, cfg.Server.RateLimit.RedisAddr),
			RedisPassword: firstNonEmpty(*rateRedisPassword, cfg.Server.RateLimit.RedisPassword),
			RedisTimeout:  cfg.Server.RateLimit.RedisTimeout(),
		},
		CORS:     server.CORSConfig{AllowedOrigins: cfg.Server.CORS.AllowedOrigins},
		Security: securityFromConfig(cfg.Server.Security),
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("streampulse relay listening", "addr", listenAddr, "upstream", driver)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if storeCloser != nil {
		if err := storeCloser(closeCtx); err != nil {
			logger.Warn("failed to close gift store", "error", err)
		}
	}
	if sourceCloser != nil {
		if err := sourceCloser(); err != nil {
			logger.Warn("failed to close upstream source", "error", err)
		}
	}

	logger.Info("server stopped")
}

func resolveConfig(path string) (config.Config, error) {
	path = firstNonEmpty(path, os.Getenv("STREAMPULSE_CONFIG"))
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openGiftStore(cfg config.Config, flagDriver, flagPath, flagDSN string, logger *slog.Logger, recorder *metrics.Recorder) (gifts.Store, func(context.Context) error, error) {
	driver := firstNonEmpty(flagDriver, cfg.Gifts.Store)
	giftLogger := logging.WithComponent(logger, "gifts")
	switch driver {
	case "file":
		store, err := gifts.NewFileStore(gifts.FileStoreConfig{
			Path:     firstNonEmpty(flagPath, cfg.Gifts.Path),
			Logger:   giftLogger,
			Recorder: recorder,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		dsn := firstNonEmpty(flagDSN, cfg.Gifts.PostgresDSN)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := gifts.NewPostgresStore(ctx, gifts.PostgresStoreConfig{
			DSN:      dsn,
			Logger:   giftLogger,
			Recorder: recorder,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported gift store driver %q", driver)
	}
}

func resolveHeartbeat(flagValue time.Duration, cfg config.Config) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv("STREAMPULSE_HEARTBEAT"); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return cfg.Relay.Heartbeat()
}

func securityFromConfig(sec config.Security) server.SecurityConfig {
	return server.SecurityConfig{
		FrameOptions:          sec.FrameOptions,
		ContentTypeOptions:    sec.ContentTypeOptions,
		ReferrerPolicy:        sec.ReferrerPolicy,
		ContentSecurityPolicy: sec.ContentSecurityPolicy,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return fallback
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
