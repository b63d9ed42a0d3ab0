// Package fetch downloads stock assets into a local directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrAssetFetch is returned when a download fails. No partial file is left
// behind when it is returned.
var ErrAssetFetch = errors.New("fetch: asset download failed")

// DefaultChunkSize is the buffer size used while streaming to disk.
const DefaultChunkSize = 16 * 1024

// DefaultTimeout bounds one download.
const DefaultTimeout = 60 * time.Second

// acquireAttempts bounds how often Fetch retries when a download vanishes
// before it can be held.
const acquireAttempts = 3

// Fetcher downloads assets idempotently: a file already present at the target
// path is returned without a network transfer.
//
// Every successful Fetch holds the file until a matching Release, so runs
// sharing an asset never delete it from under each other.
type Fetcher struct {
	dir        string
	httpClient *http.Client
	timeout    time.Duration
	chunkSize  int
	logger     *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	refs map[string]int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithTimeout sets the per-download timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithChunkSize sets the streaming buffer size.
func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Fetcher writing into dir, creating it if needed.
func New(dir string, opts ...Option) (*Fetcher, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stockreel", "pexels_downloads")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	f := &Fetcher{
		dir:        dir,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		chunkSize:  DefaultChunkSize,
		logger:     slog.Default(),
		refs:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the download directory.
func (f *Fetcher) Dir() string {
	return f.dir
}

// Path returns the local path a filename resolves to.
func (f *Fetcher) Path(filename string) string {
	return filepath.Join(f.dir, Sanitize(filename))
}

// Fetch downloads url to the sanitized filename inside the download directory
// and returns the local path, held until Release. Concurrent calls for the
// same filename share a single transfer, which outlives the caller that
// started it; each caller stops waiting when its own ctx ends.
func (f *Fetcher) Fetch(ctx context.Context, url, filename string) (string, error) {
	path := f.Path(filename)

	for range acquireAttempts {
		if f.acquire(path) {
			return path, nil
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrAssetFetch, err)
		}
		if err := f.transfer(ctx, url, path); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s removed while fetching", ErrAssetFetch, filepath.Base(path))
}

// acquire takes a hold on path if it is already downloaded.
func (f *Fetcher) acquire(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !exists(path) {
		return false
	}
	if f.refs[path] == 0 {
		f.logger.Debug("asset already present", slog.String("path", path))
	}
	f.refs[path]++
	return true
}

func (f *Fetcher) transfer(ctx context.Context, url, path string) error {
	ch := f.group.DoChan(path, func() (any, error) {
		if exists(path) {
			return nil, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return nil, f.download(dctx, url, path)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAssetFetch, ctx.Err())
	}
}

// Release drops a hold taken by Fetch. When it was the last hold and remove is
// set, the file is deleted.
func (f *Fetcher) Release(path string, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.refs[path]; n > 1 {
		f.refs[path] = n - 1
		return nil
	}
	delete(f.refs, path)
	if !remove {
		return nil
	}
	return removeFile(path)
}

// Holds returns the number of outstanding holds on path.
func (f *Fetcher) Holds(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[path]
}

// Remove deletes a fetched file regardless of holds, for downloads found to be
// corrupt. Missing files are ignored.
func (f *Fetcher) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return removeFile(path)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove asset %s: %w", path, err)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, path string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrAssetFetch, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssetFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrAssetFetch, resp.StatusCode)
	}

	part := path + ".part"
	out, err := os.Create(part) // #nosec G304 - path is sanitized and rooted in the download dir
	if err != nil {
		return fmt.Errorf("%w: create file: %w", ErrAssetFetch, err)
	}

	buf := make([]byte, f.chunkSize)
	n, err := io.CopyBuffer(out, onlyReader{resp.Body}, buf)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(part)
		return fmt.Errorf("%w: write %s: %w", ErrAssetFetch, filepath.Base(path), err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: close file: %w", ErrAssetFetch, err)
	}
	if n == 0 {
		_ = os.Remove(part)
		return fmt.Errorf("%w: empty body", ErrAssetFetch)
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("%w: rename: %w", ErrAssetFetch, err)
	}

	f.logger.Info("asset downloaded",
		slog.String("path", path),
		slog.Int64("bytes", n),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// onlyReader hides WriterTo so CopyBuffer honours the chunk size.
type onlyReader struct {
	io.Reader
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

var reserved = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// Sanitize strips path separators and reserved characters from name so it is
// safe to use as a single path element.
func Sanitize(name string) string {
	name = reserved.Replace(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	switch name {
	case "", ".", "..":
		return "asset"
	}
	return name
}
