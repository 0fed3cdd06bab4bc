//go:build postgres

package gifts

import (
	"context"
	"os"
	"testing"
	"time"

	"streampulse/internal/observability/metrics"
)

func openPostgresStoreForTest(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("STREAMPULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMPULSE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, PostgresStoreConfig{DSN: dsn, Recorder: metrics.New()})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = store.pool.Exec(cleanupCtx, `DELETE FROM gift_names`)
		_ = store.Close(cleanupCtx)
	})
	return store
}

func TestPostgresStoreLearnsAcrossInstances(t *testing.T) {
	first := openPostgresStoreForTest(t)
	ctx := context.Background()

	if got := first.Resolve(ctx, 4242, "🧸 Teddy Bear"); got != "🧸 Teddy Bear" {
		t.Fatalf("expected observed name, got %q", got)
	}

	dsn := os.Getenv("STREAMPULSE_TEST_POSTGRES_DSN")
	second, err := NewPostgresStore(ctx, PostgresStoreConfig{DSN: dsn, Recorder: metrics.New()})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = second.Close(closeCtx)
	}()

	if got := second.Resolve(ctx, 4242, ""); got != "🧸 Teddy Bear" {
		t.Fatalf("expected learned name from shared table, got %q", got)
	}
}

func TestPostgresStoreFallsBackToDefaults(t *testing.T) {
	store := openPostgresStoreForTest(t)
	if got := store.Resolve(context.Background(), 5655, ""); got != "🌹 Rose" {
		t.Fatalf("expected default name, got %q", got)
	}
	if got := store.Resolve(context.Background(), 99999, ""); got != "Unknown (99999)" {
		t.Fatalf("expected synthesized name, got %q", got)
	}
}
