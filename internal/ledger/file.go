package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilename is the ledger file name used when only a directory is
// configured.
const DefaultFilename = "pexels_used_assets.json"

// Compile-time checks that FileLedger implements Ledger and Locker.
var (
	_ Ledger = (*FileLedger)(nil)
	_ Locker = (*FileLedger)(nil)
)

// FileLedger persists combinations as a JSON object of key -> true.
//
// The file is read lazily on first use. Unreadable or invalid content is
// logged and treated as an empty ledger. Every registration merges the current
// file content, then replaces the file through a temp file and rename so
// readers never observe a half-written ledger.
type FileLedger struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	keys   map[string]bool

	sel semaphore
}

// NewFileLedger creates a ledger backed by the file at path. The file and its
// directory are created on first registration.
func NewFileLedger(path string, logger *slog.Logger) *FileLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLedger{
		path:   path,
		logger: logger,
		keys:   make(map[string]bool),
		sel:    newSemaphore(),
	}
}

// Path returns the backing file path.
func (l *FileLedger) Path() string {
	return l.path
}

// Contains reports whether the combination has been registered.
func (l *FileLedger) Contains(_ context.Context, ids []string) (bool, error) {
	key := Key(ids)
	if key == "" {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLoaded()
	return l.keys[key], nil
}

// Register marks the combination as used and writes the ledger to disk.
func (l *FileLedger) Register(_ context.Context, ids []string) error {
	key := Key(ids)
	if key == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// pick up entries written by other processes since the last load
	for k, v := range l.read() {
		if v {
			l.keys[k] = true
		}
	}
	l.loaded = true

	if l.keys[key] {
		return nil
	}
	l.keys[key] = true

	if err := l.write(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	l.logger.Debug("combination registered",
		slog.String("key", key),
		slog.Int("entries", len(l.keys)),
	)
	return nil
}

// Lock serializes selections against this ledger within the process.
func (l *FileLedger) Lock(ctx context.Context) (func(), error) {
	return l.sel.lock(ctx)
}

// ensureLoaded reads the file once. Caller must hold mu.
func (l *FileLedger) ensureLoaded() {
	if l.loaded {
		return
	}
	for k, v := range l.read() {
		if v {
			l.keys[k] = true
		}
	}
	l.loaded = true
}

// read returns the file content, or nil when it is missing or corrupt.
func (l *FileLedger) read() map[string]bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("ledger unreadable, treating as empty",
				slog.String("path", l.path),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var keys map[string]bool
	if err := json.Unmarshal(data, &keys); err != nil {
		l.logger.Warn("ledger corrupt, treating as empty",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return keys
}

// write replaces the file atomically. Caller must hold mu.
func (l *FileLedger) write() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	data, err := json.MarshalIndent(l.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
