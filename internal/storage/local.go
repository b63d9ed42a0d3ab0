package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage keeps job workspaces under a root directory. It cannot
// publish.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a LocalStorage rooted at root, or at
// $TMPDIR/stockreel when root is empty. The directory is created if missing.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "stockreel")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

// Root returns the storage root.
func (s *LocalStorage) Root() string {
	return s.root
}

// Workspace returns root/jobs/<jobID>, creating it if needed.
func (s *LocalStorage) Workspace(jobID string) (string, error) {
	if err := checkName(jobID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, "jobs", jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// SaveInput writes data to the job workspace. A partial file is removed on
// failure.
func (s *LocalStorage) SaveInput(ctx context.Context, jobID, name string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	dir, err := s.Workspace(jobID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path) // #nosec G304 - name is checked above
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write input file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close input file: %w", err)
	}
	return path, nil
}

// Open opens path for reading. Paths outside the storage root are rejected.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !s.contains(path) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrInvalidName, path, s.root)
	}
	f, err := os.Open(path) // #nosec G304 - confined to the storage root
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// RemoveWorkspace deletes the job workspace. A missing workspace is not an
// error.
func (s *LocalStorage) RemoveWorkspace(_ context.Context, jobID string) error {
	if err := checkName(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, "jobs", jobID)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Publish is not supported by LocalStorage.
func (s *LocalStorage) Publish(context.Context, string, string) (string, error) {
	return "", ErrPublishNotConfigured
}

func (s *LocalStorage) contains(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
