package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type failingBackend struct {
	initCalls atomic.Int32
}

func (b *failingBackend) Init(ctx context.Context) error {
	b.initCalls.Add(1)
	return errors.New("disk on fire")
}
func (b *failingBackend) Store(name string) Store { return nil }
func (b *failingBackend) Close() error            { return nil }

func TestRegistryFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{}
	r := NewRegistry(fb, zerolog.Nop())

	s := r.Store(ctx, "chat")
	if s == nil {
		t.Fatalf("expected a working store despite backend failure")
	}
	if !r.Degraded() {
		t.Fatalf("expected degraded mode")
	}

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("degraded store set: %v", err)
	}
	v, found, err := s.Get(ctx, "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("degraded store get: %q found=%v err=%v", v, found, err)
	}
}

func TestRegistryInitIdempotent(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{}
	r := NewRegistry(fb, zerolog.Nop())

	r.Init(ctx)
	r.Init(ctx)
	r.Store(ctx, "chat")

	if got := fb.initCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one backend init, got %d", got)
	}
}

func TestRegistryMemoizesStores(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryBackend(), zerolog.Nop())

	a := r.Store(ctx, "chat")
	b := r.Store(ctx, "chat")
	if a != b {
		t.Fatalf("expected the same instance for the same name")
	}

	// State written through one handle is visible through the other.
	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, found, _ := b.Get(ctx, "k"); !found {
		t.Fatalf("memoized store lost state")
	}
}

func TestRegistryConcurrentStoreConstruction(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryBackend(), zerolog.Nop())

	const n = 16
	stores := make([]Store, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i] = r.Store(ctx, "audio")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if stores[i] != stores[0] {
			t.Fatalf("concurrent construction produced divergent instances")
		}
	}
}
