// Package storage keeps per-job files on local disk and publishes finished
// renders. LocalStorage is always used for job workspaces; S3Storage adds
// uploads of the output video.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrPublishNotConfigured is returned by Publish when no bucket is set up.
	ErrPublishNotConfigured = errors.New("storage: publishing is not configured")
	// ErrInvalidName is returned for job ids or file names that would leave
	// the storage root.
	ErrInvalidName = errors.New("storage: invalid name")
)

// Storage defines where job inputs and outputs live.
type Storage interface {
	// Workspace returns the directory for jobID, creating it if needed.
	Workspace(jobID string) (string, error)

	// SaveInput writes data into the job workspace as name and returns the
	// file path.
	SaveInput(ctx context.Context, jobID, name string, data io.Reader) (string, error)

	// Open reads a file previously written by this storage. The caller closes
	// the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// RemoveWorkspace deletes the job workspace and everything in it.
	RemoveWorkspace(ctx context.Context, jobID string) error

	// Publish uploads the file at path under key and returns its URL.
	// Returns ErrPublishNotConfigured when publishing is unavailable.
	Publish(ctx context.Context, key, path string) (url string, err error)
}
