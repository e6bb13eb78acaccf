package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/annales/annales/internal/logging"
)

// BuilderFunc constructs a backend on first use. The router calls it at
// most once per provider.
type BuilderFunc func(ctx context.Context) (Backend, error)

// Router resolves which storage backend serves a given document. New
// uploads always go to the active backend; reads are routed by the
// provider tag recorded with each document, so documents written under
// an earlier configuration stay reachable after the deployment switches
// backends.
type Router struct {
	mu       sync.RWMutex
	active   Backend
	backends map[string]Backend
	builders map[string]BuilderFunc
}

// NewRouter creates a Router around the active backend. builders supplies
// lazy constructors for the providers that are not active but may still
// hold previously stored documents.
func NewRouter(active Backend, builders map[string]BuilderFunc) *Router {
	r := &Router{
		active:   active,
		backends: make(map[string]Backend, len(builders)+1),
		builders: builders,
	}
	r.backends[active.Provider()] = active
	return r
}

// Active returns the backend that receives new uploads.
func (r *Router) Active() Backend {
	return r.active
}

// ResolveForRead returns the backend for the given provider tag,
// constructing it on first use. Returns ErrBackendUnavailable when the
// provider cannot be served under the current configuration.
func (r *Router) ResolveForRead(ctx context.Context, provider string) (Backend, error) {
	r.mu.RLock()
	backend, ok := r.backends[provider]
	r.mu.RUnlock()
	if ok {
		return backend, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have built it while we waited for the lock.
	if backend, ok := r.backends[provider]; ok {
		return backend, nil
	}

	builder, ok := r.builders[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrBackendUnavailable)
	}

	backend, err := builder(ctx)
	if err != nil {
		logging.Error("failed to initialize storage backend for read routing",
			zap.String("provider", provider),
			zap.Error(err))
		return nil, fmt.Errorf("provider %q: %w", provider, ErrBackendUnavailable)
	}

	r.backends[provider] = backend
	logging.Info("storage backend initialized for read routing",
		zap.String("provider", provider))
	return backend, nil
}

// Close closes every backend the router has constructed.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, backend := range r.backends {
		if backend != nil {
			backend.Close()
		}
	}
	return nil
}
