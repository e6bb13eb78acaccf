// Package storage defines the Backend interface over document blob
// storage variants and routes reads to the variant that owns each blob.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Provider tags identify which backend variant owns a storage key.
// They are stamped on file records and drive read routing.
const (
	ProviderLocal         = "local"
	ProviderObjectStorage = "object-storage"
	ProviderBlobChunked   = "blob-chunked"
)

var (
	// ErrNotFound is returned when no blob exists at a storage key.
	ErrNotFound = errors.New("blob not found")

	// ErrRangeNotSatisfiable is returned for byte ranges that fall
	// outside [0, totalSize).
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

	// ErrBackendUnavailable is returned when no backend is configured
	// for a provider tag, or the configured one cannot serve requests.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// WriteError wraps a backend write failure (disk full, network error,
// quota, short write). Callers map it to a 5xx response without
// inspecting the provider-specific cause.
type WriteError struct {
	Provider string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s storage write failed: %v", e.Provider, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PutRequest carries what a backend needs to persist one payload.
type PutRequest struct {
	Body         io.Reader
	Size         int64  // exact payload size; backends verify the written byte count against it
	OriginalName string // display name, used only as a hint when generating keys
	ContentType  string
}

// Backend is the uniform contract over blob storage variants.
// Implementations generate their own collision-resistant storage keys;
// callers treat keys as opaque and persist them on file records.
type Backend interface {
	// PutObject consumes the payload, persists it durably and returns
	// the storage key plus the byte count written. No partial artifact
	// survives a failed put; a byte count differing from req.Size is a
	// WriteError.
	PutObject(ctx context.Context, req PutRequest) (string, int64, error)

	// GetObject opens a read stream over the blob. offset/length select
	// a byte range; length <= 0 means "to the end of the blob". The
	// returned size is the blob's total size, not the range's.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// DeleteObject removes the blob. Absence is not an error; the bool
	// reports whether a blob was actually removed.
	DeleteObject(ctx context.Context, key string) (bool, error)

	// ObjectExists reports whether a blob is present at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Provider returns the tag stamped on records written by this backend.
	Provider() string

	// Close releases any resources held by the backend.
	Close() error
}

// CheckRange validates a byte range request against a blob's total size.
// offset must lie within the blob and the range must not start past the
// end; length <= 0 ("to end") is always valid for an in-bounds offset.
func CheckRange(offset, length, total int64) error {
	if offset < 0 || offset >= total {
		return ErrRangeNotSatisfiable
	}
	if length > 0 && offset+length > total {
		return ErrRangeNotSatisfiable
	}
	return nil
}
