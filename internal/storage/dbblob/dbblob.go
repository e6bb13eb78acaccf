// Package dbblob stores documents as chunked rows in PostgreSQL, for
// deployments where the database is the only durable store available.
package dbblob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// Backend implements storage.Backend on top of the blobs and blob_chunks
// tables. Writes happen inside a single transaction, so a failed upload
// leaves no rows behind.
type Backend struct {
	db        *sql.DB
	chunkSize int64
}

// New creates a database blob backend. chunkSize is the payload size per
// chunk row in bytes.
func New(db *sql.DB, chunkSize int64) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &Backend{db: db, chunkSize: chunkSize}, nil
}

// PutObject splits the payload into chunks and stores them transactionally.
// The storage key is the generated blob id.
func (b *Backend) PutObject(ctx context.Context, req storage.PutRequest) (string, int64, error) {
	start := time.Now()
	id := uuid.New()
	chunkCount := (req.Size + b.chunkSize - 1) / b.chunkSize

	fail := func(err error) (string, int64, error) {
		metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), false)
		return "", 0, &storage.WriteError{Provider: b.Provider(), Err: err}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blobs (id, size, chunk_size, chunk_count) VALUES ($1, $2, $3, $4)`,
		id, req.Size, b.chunkSize, chunkCount)
	if err != nil {
		return fail(fmt.Errorf("insert blob row: %w", err))
	}

	buf := make([]byte, b.chunkSize)
	var written int64
	for idx := int64(0); written < req.Size; idx++ {
		n, readErr := io.ReadFull(req.Body, buf)
		if n > 0 {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO blob_chunks (blob_id, chunk_index, data) VALUES ($1, $2, $3)`,
				id, idx, buf[:n])
			if err != nil {
				return fail(fmt.Errorf("insert chunk %d: %w", idx, err))
			}
			written += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fail(fmt.Errorf("read payload: %w", readErr))
		}
	}

	if written != req.Size {
		return fail(fmt.Errorf("short write: %d of %d bytes", written, req.Size))
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}

	metrics.RecordStorageOperation(b.Provider(), "put", time.Since(start), true)
	logging.Debug("blob stored",
		zap.String("key", id.String()),
		zap.Int64("size", written),
		zap.Int64("chunks", chunkCount))
	return id.String(), written, nil
}

// GetObject streams blob content, reading only the chunk rows that
// overlap the requested range. The returned size is the blob's total size.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	id, err := uuid.Parse(key)
	if err != nil {
		return nil, 0, storage.ErrNotFound
	}

	var total, chunkSize int64
	err = b.db.QueryRowContext(ctx,
		`SELECT size, chunk_size FROM blobs WHERE id = $1`, id).Scan(&total, &chunkSize)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		return nil, 0, fmt.Errorf("query blob %s: %w", key, err)
	}

	if offset != 0 || length > 0 {
		if err := storage.CheckRange(offset, length, total); err != nil {
			return nil, 0, err
		}
	}

	wantLen := length
	if wantLen <= 0 {
		wantLen = total - offset
	}
	if wantLen == 0 {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), true)
		return io.NopCloser(bytes.NewReader(nil)), total, nil
	}

	firstChunk := offset / chunkSize
	lastChunk := (offset + wantLen - 1) / chunkSize

	rows, err := b.db.QueryContext(ctx,
		`SELECT data FROM blob_chunks
		 WHERE blob_id = $1 AND chunk_index BETWEEN $2 AND $3
		 ORDER BY chunk_index`,
		id, firstChunk, lastChunk)
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), false)
		return nil, 0, fmt.Errorf("query chunks of %s: %w", key, err)
	}

	metrics.RecordStorageOperation(b.Provider(), "get", time.Since(start), true)
	return &chunkReader{
		rows:      rows,
		skip:      offset - firstChunk*chunkSize,
		remaining: wantLen,
	}, total, nil
}

// DeleteObject removes the blob row; chunk rows go with it via cascade.
func (b *Backend) DeleteObject(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	id, err := uuid.Parse(key)
	if err != nil {
		return false, nil
	}

	res, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), false)
		return false, fmt.Errorf("delete blob %s: %w", key, err)
	}

	affected, _ := res.RowsAffected()
	metrics.RecordStorageOperation(b.Provider(), "delete", time.Since(start), true)
	if affected > 0 {
		logging.Debug("blob deleted", zap.String("key", key))
	}
	return affected > 0, nil
}

// ObjectExists checks for the blob row.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return false, nil
	}

	var exists bool
	err = b.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blob %s: %w", key, err)
	}
	return exists, nil
}

// Provider returns the database blob provider tag.
func (b *Backend) Provider() string { return storage.ProviderBlobChunked }

// Close is a no-op; the database handle is owned by the caller.
func (b *Backend) Close() error { return nil }

// chunkReader streams chunk rows as a single byte stream, trimming the
// first chunk to the range offset and stopping after remaining bytes.
type chunkReader struct {
	rows      *sql.Rows
	buf       []byte
	skip      int64
	remaining int64
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, io.EOF
	}

	for len(c.buf) == 0 {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return 0, err
			}
			// Fewer chunk bytes than the blob row promised.
			return 0, io.ErrUnexpectedEOF
		}
		var data []byte
		if err := c.rows.Scan(&data); err != nil {
			return 0, err
		}
		if c.skip >= int64(len(data)) {
			c.skip -= int64(len(data))
			continue
		}
		c.buf = data[c.skip:]
		c.skip = 0
	}

	src := c.buf
	if int64(len(src)) > c.remaining {
		src = src[:c.remaining]
	}
	n := copy(p, src)
	c.buf = c.buf[n:]
	c.remaining -= int64(n)
	return n, nil
}

func (c *chunkReader) Close() error { return c.rows.Close() }
