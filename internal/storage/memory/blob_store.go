// Package memory stores containers in-memory for development and
// tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coinlens/archivist/internal/storage"
)

// BlobStore holds containers in memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	modTime map[string]time.Time
}

// NewBlobStore creates a new in-memory container store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:    make(map[string][]byte),
		modTime: make(map[string]time.Time),
	}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), byteData...)
	s.modTime[path] = time.Now()
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns a reader over the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// ListObjects enumerates stored objects under prefix in path order.
func (s *BlobStore) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []storage.ObjectInfo
	for path, data := range s.data {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		objects = append(objects, storage.ObjectInfo{
			Path:    path,
			Size:    int64(len(data)),
			ModTime: s.modTime[path],
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// DeleteObject removes the stored object.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(s.data, path)
	delete(s.modTime, path)
	return nil
}
