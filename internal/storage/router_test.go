package storage

import (
	"context"
	"errors"
	"io"
	"testing"
)

// stubBackend is a minimal Backend for router tests.
type stubBackend struct {
	provider string
	closed   bool
}

func (s *stubBackend) PutObject(ctx context.Context, req PutRequest) (string, int64, error) {
	return "stub-key", req.Size, nil
}

func (s *stubBackend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	return nil, 0, ErrNotFound
}

func (s *stubBackend) DeleteObject(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (s *stubBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (s *stubBackend) Provider() string { return s.provider }

func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestRouterActiveProviderResolvesWithoutBuilder(t *testing.T) {
	active := &stubBackend{provider: ProviderLocal}
	r := NewRouter(active, nil)

	if r.Active() != active {
		t.Fatal("Active() did not return the active backend")
	}

	got, err := r.ResolveForRead(context.Background(), ProviderLocal)
	if err != nil {
		t.Fatalf("ResolveForRead(%s) error: %v", ProviderLocal, err)
	}
	if got != active {
		t.Error("resolving the active provider returned a different backend")
	}
}

func TestRouterBuildsLazilyAndMemoizes(t *testing.T) {
	active := &stubBackend{provider: ProviderLocal}
	lazy := &stubBackend{provider: ProviderBlobChunked}

	calls := 0
	builders := map[string]BuilderFunc{
		ProviderBlobChunked: func(ctx context.Context) (Backend, error) {
			calls++
			return lazy, nil
		},
	}
	r := NewRouter(active, builders)

	for i := 0; i < 3; i++ {
		got, err := r.ResolveForRead(context.Background(), ProviderBlobChunked)
		if err != nil {
			t.Fatalf("ResolveForRead error on call %d: %v", i, err)
		}
		if got != lazy {
			t.Fatalf("call %d returned wrong backend", i)
		}
	}
	if calls != 1 {
		t.Errorf("builder called %d times, want 1", calls)
	}
}

func TestRouterUnknownProviderUnavailable(t *testing.T) {
	r := NewRouter(&stubBackend{provider: ProviderLocal}, nil)

	_, err := r.ResolveForRead(context.Background(), ProviderObjectStorage)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("unknown provider error = %v, want ErrBackendUnavailable", err)
	}
}

func TestRouterBuilderFailureUnavailable(t *testing.T) {
	builders := map[string]BuilderFunc{
		ProviderObjectStorage: func(ctx context.Context) (Backend, error) {
			return nil, errors.New("connection refused")
		},
	}
	r := NewRouter(&stubBackend{provider: ProviderLocal}, builders)

	_, err := r.ResolveForRead(context.Background(), ProviderObjectStorage)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("builder failure error = %v, want ErrBackendUnavailable", err)
	}
}

func TestRouterCloseClosesConstructedBackends(t *testing.T) {
	active := &stubBackend{provider: ProviderLocal}
	lazy := &stubBackend{provider: ProviderBlobChunked}
	builders := map[string]BuilderFunc{
		ProviderBlobChunked: func(ctx context.Context) (Backend, error) {
			return lazy, nil
		},
	}
	r := NewRouter(active, builders)

	if _, err := r.ResolveForRead(context.Background(), ProviderBlobChunked); err != nil {
		t.Fatalf("ResolveForRead error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if !active.closed {
		t.Error("active backend not closed")
	}
	if !lazy.closed {
		t.Error("lazily constructed backend not closed")
	}
}
