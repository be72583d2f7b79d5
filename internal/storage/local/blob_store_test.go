// Package local_test tests the local filesystem container backend.
package local_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinlens/archivist/internal/storage"
	"github.com/coinlens/archivist/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		cfg := local.Config{BaseDir: tempDir}
		store, err := local.New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		cfg := local.Config{}
		_, err := local.New(cfg)
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "testfile")
		require.NoError(t, err)
		t.Cleanup(func() {
			removeErr := os.Remove(tempFile.Name())
			if removeErr != nil && !os.IsNotExist(removeErr) {
				t.Fatalf("failed to remove temp file: %v", removeErr)
			}
		})

		cfg := local.Config{BaseDir: tempFile.Name()}
		_, err = local.New(cfg)
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		tempDir := t.TempDir()
		// Change permissions to read-only
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		err := os.Chmod(tempDir, 0o500)
		require.NoError(t, err)

		cfg := local.Config{BaseDir: tempDir}
		_, err = local.New(cfg)
		assert.Error(t, err)

		// Change back to writable so cleanup can happen
		// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
		err = os.Chmod(tempDir, 0o700)
		require.NoError(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	cfg := local.Config{BaseDir: tempDir}
	store, err := local.New(cfg)
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "2026/03/14/site_20260314_093000_001.warc"
		data := []byte("container bytes")
		uri, err := store.PutObject(context.Background(), path, "application/warc", bytes.NewReader(data))
		require.NoError(t, err)

		expectedURI := "file://" + filepath.Join(tempDir, path)
		assert.Equal(t, expectedURI, uri)

		// Verify the file was written correctly.
		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "application/warc", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.warc", "application/warc", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})
}

func TestGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "a/b.warc", "application/warc", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	t.Run("Found", func(t *testing.T) {
		r, err := store.GetObject(ctx, "a/b.warc")
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "payload", string(data))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "a/missing.warc")
		assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
	})
}

func TestListObjects(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"2026/01/a.warc", "2026/02/b.warc", "2025/12/c.warc"} {
		_, err := store.PutObject(ctx, path, "application/warc", bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	objects, err := store.ListObjects(ctx, "2026/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	for _, o := range objects {
		assert.Equal(t, int64(1), o.Size)
		assert.False(t, o.ModTime.IsZero())
	}
}

func TestDeleteObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "x.warc", "application/warc", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, "x.warc"))
	err = store.DeleteObject(ctx, "x.warc")
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}
