package gifts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"streampulse/internal/observability/metrics"
)

// Store resolves gift identifiers to display names, learning names observed
// on the wire so unknown gifts gain a proper label over time.
type Store interface {
	// Resolve returns the display name for the gift. A non-empty observed
	// name takes precedence and is remembered for future lookups.
	Resolve(ctx context.Context, giftID int64, observedName string) string
	// Names returns the effective mapping: defaults overlaid with learned
	// overrides.
	Names(ctx context.Context) map[int64]string
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Path     string
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// FileStore keeps learned gift names in a JSON file layered over the default
// table. Persistence failures are logged and never fail a resolution.
type FileStore struct {
	filePath string
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu        sync.Mutex
	overrides map[int64]string
}

// NewFileStore loads (or initialises) the store at the configured path.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	store := &FileStore{
		filePath:  cfg.Path,
		logger:    logger,
		recorder:  recorder,
		overrides: make(map[int64]string),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(_ context.Context, giftID int64, observedName string) string {
	s.mu.Lock()
	known, haveOverride := s.overrides[giftID]
	if !haveOverride {
		known, _ = defaultName(giftID)
	}
	if observedName != "" && observedName != known {
		s.overrides[giftID] = observedName
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("failed to persist gift names", "gift_id", giftID, "error", err)
		}
		s.mu.Unlock()
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
func (s *FileStore) Names(_ context.Context) map[int64]string {
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

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open gift store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.overrides); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode gift store file: %w", err)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "gifts-*.json")
	if err != nil {
		return fmt.Errorf("create temp gift store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.overrides); err != nil {
		return fmt.Errorf("encode gift store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush gift store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp gift store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace gift store file: %w", err)
	}
	success = true
	return nil
}

func synthesizeName(giftID int64) string {
	return fmt.Sprintf("Unknown (%d)", giftID)
}
