// Package stores provides an abstraction over cloud storage systems which
// back object-store remote logs.
package stores

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

// Store provides an abstraction over cloud storage systems.
type Store interface {
	// Provider returns the name of the storage backend (e.g., "s3", "gcs", "azure", "fs").
	Provider() string

	// SignGet returns a pre-signed URL for GET operations with the given duration.
	SignGet(path string, d time.Duration) (string, error)

	// Get returns an io.ReadCloser for content at the given path.
	// ErrNotFound is returned if there is no such content.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put durably writes content to the store at the given path.
	// contentEncoding is used to set appropriate headers (e.g., "gzip" for compressed content).
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error

	// List enumerates all objects under the given prefix.
	// The callback receives the path relative to the prefix, the object size,
	// and its modification time.
	// If the callback returns an error, listing is terminated and that error is returned.
	List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error

	// Remove deletes content at the given path. Removal of content which
	// doesn't exist is not an error.
	Remove(ctx context.Context, path string) error

	// IsAuthError returns true if the error represents an authorization failure
	// (e.g., missing permissions, bucket not found, access denied), which
	// a retry can't resolve.
	IsAuthError(error) bool
}

// Constructor is a function that creates a Store instance from a URL.
// Each storage backend provides its own constructor implementation.
type Constructor func(*url.URL) (Store, error)

// ErrNotFound is returned by Store.Get for content which doesn't exist.
var ErrNotFound = errors.New("store content not found")
