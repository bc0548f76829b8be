// Package storage abstracts the backend holding data set version folders.
// Published Parquet files are written once and never mutated in place, so
// concurrent readers never observe a torn write.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage provides the operations the engine needs from a backend.
type ObjectStorage interface {
	Put(ctx context.Context, path string, data io.Reader) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)

	// ExistsPrefix reports whether any object lives under the prefix.
	// Used for folder-level consistency checks.
	ExistsPrefix(ctx context.Context, prefix string) (bool, error)

	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Copy duplicates an object within the backend.
	Copy(ctx context.Context, src, dst string) error

	// DeletePrefix removes every object under the prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Scheme returns the storage scheme (e.g. "file", "s3").
	Scheme() string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}
