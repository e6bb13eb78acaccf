package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/annales/annales/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	return b
}

func putBytes(t *testing.T, b *Backend, payload []byte) string {
	t.Helper()
	key, written, err := b.PutObject(context.Background(), storage.PutRequest{
		Body:         bytes.NewReader(payload),
		Size:         int64(len(payload)),
		OriginalName: "Test Doc.pdf",
		ContentType:  "application/pdf",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if written != int64(len(payload)) {
		t.Fatalf("put wrote %d bytes, want %d", written, len(payload))
	}
	return key
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	payload := []byte("%PDF-1.4 round trip payload")

	key := putBytes(t, b, payload)
	if strings.ContainsAny(key, `/\`) {
		t.Errorf("generated key %q contains a path separator", key)
	}

	rc, total, err := b.GetObject(context.Background(), key, 0, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()

	if total != int64(len(payload)) {
		t.Errorf("total size = %d, want %d", total, len(payload))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", got, payload)
	}
}

func TestGetRange(t *testing.T) {
	b := newTestBackend(t)
	payload := []byte("0123456789abcdef")
	key := putBytes(t, b, payload)

	tests := []struct {
		offset, length int64
		expected       string
	}{
		{0, 4, "0123"},
		{4, 4, "4567"},
		{10, 6, "abcdef"},
		{15, 1, "f"},
		{5, 0, "56789abcdef"}, // length 0 means "to end"
	}
	for _, tt := range tests {
		rc, total, err := b.GetObject(context.Background(), key, tt.offset, tt.length)
		if err != nil {
			t.Fatalf("get range %d+%d: %v", tt.offset, tt.length, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != tt.expected {
			t.Errorf("range %d+%d = %q, want %q", tt.offset, tt.length, got, tt.expected)
		}
		if total != int64(len(payload)) {
			t.Errorf("range %d+%d reported total %d, want %d", tt.offset, tt.length, total, len(payload))
		}
	}
}

func TestGetRangeUnsatisfiable(t *testing.T) {
	b := newTestBackend(t)
	key := putBytes(t, b, []byte("short"))

	cases := []struct{ offset, length int64 }{
		{5, 0},   // offset == size
		{99, 1},  // offset past end
		{-1, 2},  // negative offset
		{3, 10},  // range overshoots
	}
	for _, c := range cases {
		_, _, err := b.GetObject(context.Background(), key, c.offset, c.length)
		if !errors.Is(err, storage.ErrRangeNotSatisfiable) {
			t.Errorf("offset %d length %d: got %v, want ErrRangeNotSatisfiable", c.offset, c.length, err)
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	b := newTestBackend(t)
	_, _, err := b.GetObject(context.Background(), "nope_20240101_dead.pdf", 0, 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	b := newTestBackend(t)
	key := putBytes(t, b, []byte("deletable"))

	removed, err := b.DeleteObject(context.Background(), key)
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if !removed {
		t.Error("first delete should report removal")
	}

	removed, err = b.DeleteObject(context.Background(), key)
	if err != nil {
		t.Fatalf("second delete errored: %v", err)
	}
	if removed {
		t.Error("second delete should report nothing removed")
	}

	exists, err := b.ObjectExists(context.Background(), key)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("object should not exist after delete")
	}
}

func TestPutSizeMismatchLeavesNothing(t *testing.T) {
	b := newTestBackend(t)

	_, _, err := b.PutObject(context.Background(), storage.PutRequest{
		Body:         bytes.NewReader([]byte("only nine")),
		Size:         1000,
		OriginalName: "broken.pdf",
	})
	var writeErr *storage.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("got %v, want WriteError", err)
	}

	entries, err := os.ReadDir(b.rootPath)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, e := range entries {
		t.Errorf("unexpected leftover file %q after failed put", e.Name())
	}
}

func TestTraversalKeyRefused(t *testing.T) {
	b := newTestBackend(t)

	for _, key := range []string{"../outside.pdf", "..", "a/../../b.pdf"} {
		if _, _, err := b.GetObject(context.Background(), key, 0, 0); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("get %q: got %v, want ErrNotFound", key, err)
		}
		if exists, _ := b.ObjectExists(context.Background(), key); exists {
			t.Errorf("exists %q reported true", key)
		}
	}
}

func TestGeneratedKeysDiffer(t *testing.T) {
	b := newTestBackend(t)
	k1 := putBytes(t, b, []byte("same name one"))
	k2 := putBytes(t, b, []byte("same name two"))
	if k1 == k2 {
		t.Errorf("two puts with the same original name produced the same key %q", k1)
	}
}
