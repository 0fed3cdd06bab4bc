package gifts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"streampulse/internal/observability/metrics"
)

// PostgresStoreConfig configures a PostgresStore.
type PostgresStoreConfig struct {
	DSN      string
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// PostgresStore persists learned gift names to a Postgres table so multiple
// relay replicas share one vocabulary. Lookups are served from an in-memory
// overlay warmed at startup; learns write through to the table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu        sync.Mutex
	overrides map[int64]string
}

// NewPostgresStore opens the backing pool, applies the schema, and warms the
// override cache.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres gift store dsn required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres gift store config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres gift store pool: %w", err)
	}
	store := &PostgresStore{
		pool:      pool,
		logger:    logger,
		recorder:  recorder,
		overrides: make(map[int64]string),
	}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.warm(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, giftID int64, observedName string) string {
	s.mu.Lock()
	known, haveOverride := s.overrides[giftID]
	if !haveOverride {
		known, _ = defaultName(giftID)
	}
	if observedName != "" && observedName != known {
		s.overrides[giftID] = observedName
		s.mu.Unlock()
		if err := s.upsert(ctx, giftID, observedName); err != nil {
			s.logger.Warn("failed to persist gift name", "gift_id", giftID, "error", err)
		}
		s.recorder.ObserveGiftLookup("learned")
		return observedName
	}
	s.mu.Unlock()

	if known != "" {
		if haveOverride {
			s.recorder.ObserveGiftLookup("learned")
		} else {
			s.recorder.ObserveGiftLookup("default")
		}
		return known
	}
	s.recorder.ObserveGiftLookup("synthesized")
	return synthesizeName(giftID)
}

// Names implements Store.
func (s *PostgresStore) Names(_ context.Context) map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make(map[int64]string, len(DefaultNames)+len(s.overrides))
	for id, name := range DefaultNames {
		merged[id] = name
	}
	for id, name := range s.overrides {
		merged[id] = name
	}
	return merged
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gift_names (
    gift_id BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`)
	if err != nil {
		return fmt.Errorf("ensure gift_names schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) warm(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT gift_id, name FROM gift_names`)
	if err != nil {
		return fmt.Errorf("load gift names: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var giftID int64
		var name string
		if err := rows.Scan(&giftID, &name); err != nil {
			return fmt.Errorf("scan gift name: %w", err)
		}
		s.overrides[giftID] = name
	}
	return rows.Err()
}

func (s *PostgresStore) upsert(ctx context.Context, giftID int64, name string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO gift_names (gift_id, name, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (gift_id) DO UPDATE SET name = EXCLUDED.name, updated_at = now()
`, giftID, name)
	return err
}
