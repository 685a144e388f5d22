package kv

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out memoized named stores after a one-time backend
// handshake. Init is idempotent: every call observes the result of the
// first one. If the backend cannot be initialized the registry swaps in an
// in-memory backend and keeps going; the process loses persistence, not
// functionality.
type Registry struct {
	backend Backend
	logger  zerolog.Logger

	initOnce sync.Once
	degraded bool

	mu     sync.Mutex
	stores map[string]Store
}

func NewRegistry(backend Backend, logger zerolog.Logger) *Registry {
	return &Registry{
		backend: backend,
		logger:  logger,
		stores:  make(map[string]Store),
	}
}

// Init performs the storage handshake. It never returns an error to the
// caller: a failed handshake degrades to memory-only storage with a logged
// warning.
func (r *Registry) Init(ctx context.Context) {
	r.initOnce.Do(func() {
		if err := r.backend.Init(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("persistent storage unavailable, falling back to in-memory store")
			r.backend = NewMemoryBackend()
			r.degraded = true
			// Memory backend init cannot fail.
			_ = r.backend.Init(ctx)
		}
	})
}

// Store returns the store for name, constructing it at most once. The same
// instance is returned for the same name for the process lifetime.
func (r *Registry) Store(ctx context.Context, name string) Store {
	r.Init(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s
	}
	s := r.backend.Store(name)
	r.stores[name] = s
	return s
}

// Degraded reports whether the registry fell back to memory-only storage.
// Valid after Init has returned.
func (r *Registry) Degraded() bool {
	return r.degraded
}

func (r *Registry) Close() error {
	return r.backend.Close()
}
