// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Backend on a directory of generated files.
type Backend struct {
	rootPath string
}

// New creates a local filesystem backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Backend{rootPath: root}, nil
}

// fullPath resolves a storage key inside the root directory. Keys are
// server-generated, but a key that would escape the root is refused anyway.
func (b *Backend) fullPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}
	path := filepath.Join(b.rootPath, filepath.FromSlash(key))
	if path != b.rootPath && !strings.HasPrefix(path, b.rootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("storage key %q escapes root", key)
	}
	return path, nil
}

// generateKey builds a collision-resistant filename from the sanitized
// original name, a timestamp and a short random suffix.
func generateKey(originalName string) string {
	base := strings.TrimSuffix(originalName, filepath.Ext(originalName))

	var clean strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean.WriteRune(r)
		}
	}
	name := clean.String()
	if name == "" {
		name = "document"
	}
	if len(name) > 50 {
		name = name[:50]
	}

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s.pdf", name, ts, uid)
}

// PutObject writes the payload to a generated file atomically. The bytes
// land in a temp file first; a write failure or size mismatch only ever
// leaves the temp file behind to be removed, never a partial blob.
func (b *Backend) PutObject(_ context.Context, req storage.PutRequest) (string, int64, error) {
	start := time.Now()

	key := generateKey(req.OriginalName)
	path, err := b.fullPath(key)
	if err != nil {
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: err}
	}

	tmp, err := os.CreateTemp(b.rootPath, ".annales-*.tmp")
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: fmt.Errorf("create temp: %w", err)}
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, req.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: fmt.Errorf("write: %w", err)}
	}
	if req.Size >= 0 && written != req.Size {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{
			Provider: b.Provider(),
			Err:      fmt.Errorf("short write: %d of %d bytes", written, req.Size),
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: fmt.Errorf("sync: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: fmt.Errorf("close temp: %w", err)}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: fmt.Errorf("rename: %w", err)}
	}

	metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), true)
	return key, written, nil
}

// GetObject reads a stored file with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, storage.ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	totalSize := info.Size()

	if offset != 0 || length > 0 {
		if err := storage.CheckRange(offset, length, totalSize); err != nil {
			f.Close()
			metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
			return nil, totalSize, err
		}
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
			return nil, totalSize, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), true)

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, totalSize, nil
	}
	return f, totalSize, nil
}

// DeleteObject removes a stored file. A missing file is not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) (bool, error) {
	start := time.Now()

	path, err := b.fullPath(key)
	if err != nil {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), false)
		return false, fmt.Errorf("delete %s: %w", key, err)
	}

	metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), true)
	return true, nil
}

// ObjectExists checks if a stored file exists.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Provider returns the local provider tag.
func (b *Backend) Provider() string { return storage.ProviderLocal }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
