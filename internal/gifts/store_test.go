package gifts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"streampulse/internal/gifts"
	"streampulse/internal/observability/metrics"
)

func newFileStore(t *testing.T, path string) *gifts.FileStore {
	t.Helper()
	store, err := gifts.NewFileStore(gifts.FileStoreConfig{Path: path, Recorder: metrics.New()})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreResolvesDefaults(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "gifts.json"))
	if got := store.Resolve(context.Background(), 5655, ""); got != "🌹 Rose" {
		t.Fatalf("expected default Rose name, got %q", got)
	}
}

func TestFileStoreSynthesizesUnknownNames(t *testing.T) {
	store := newFileStore(t, filepath.Join(t.TempDir(), "gifts.json"))
	if got := store.Resolve(context.Background(), 42, ""); got != "Unknown (42)" {
		t.Fatalf("unexpected synthesized name %q", got)
	}
}

func TestFileStoreLearnsObservedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gifts.json")
	store := newFileStore(t, path)

	if got := store.Resolve(context.Background(), 42, "🧸 Teddy Bear"); got != "🧸 Teddy Bear" {
		t.Fatalf("expected observed name to win, got %q", got)
	}
	if got := store.Resolve(context.Background(), 42, ""); got != "🧸 Teddy Bear" {
		t.Fatalf("expected learned name on later lookups, got %q", got)
	}

	// A fresh store against the same file must see the learned name.
	reloaded := newFileStore(t, path)
	if got := reloaded.Resolve(context.Background(), 42, ""); got != "🧸 Teddy Bear" {
		t.Fatalf("expected learned name to survive reload, got %q", got)
	}
}

func TestFileStoreObservedNameOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gifts.json")
	store := newFileStore(t, path)

	if got := store.Resolve(context.Background(), 5655, "🌹 Red Rose"); got != "🌹 Red Rose" {
		t.Fatalf("expected override of default name, got %q", got)
	}
	names := store.Names(context.Background())
	if names[5655] != "🌹 Red Rose" {
		t.Fatalf("expected merged names to carry the override, got %q", names[5655])
	}
	if names[15001] != "🏆 Trophy" {
		t.Fatalf("expected untouched defaults to remain, got %q", names[15001])
	}
}

func TestFileStorePersistFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gifts.json")
	store := newFileStore(t, path)

	// Make the directory read-only so the atomic rename cannot create its
	// temp file; the resolution must still succeed.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	if got := store.Resolve(context.Background(), 77, "🎺 Trumpet"); got != "🎺 Trumpet" {
		t.Fatalf("expected resolution despite persist failure, got %q", got)
	}
}

func TestFileStoreLoadsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gifts.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := newFileStore(t, path)
	if got := store.Resolve(context.Background(), 5655, ""); got != "🌹 Rose" {
		t.Fatalf("expected defaults after empty file load, got %q", got)
	}
}
