// Package storage defines the interface for a container storage
// backend. The abstraction keeps the archive manager independent of a
// specific implementation (Google Cloud Storage, the local filesystem,
// or in-memory for tests).
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when the requested object does not
// exist in the backend.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectInfo describes a stored container.
type ObjectInfo struct {
	// Path is the backend-relative object path.
	Path string
	// Size is the object size in bytes.
	Size int64
	// ModTime is when the object was last written.
	ModTime time.Time
}

// Backend is the common interface for a container storage backend.
type Backend interface {
	// PutObject uploads data to the given object path and returns the
	// backend-specific URI of the stored object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)

	// GetObject opens the object at path for reading. The caller closes
	// the returned reader.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)

	// ListObjects enumerates objects whose path starts with prefix.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeleteObject removes the object at path.
	DeleteObject(ctx context.Context, path string) error
}
