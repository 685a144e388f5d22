package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps all stores in process memory. It is the fallback when
// persistent storage cannot be initialized: the app stays functional, only
// persistence is lost.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*memoryStore)}
}

func (b *MemoryBackend) Init(ctx context.Context) error { return nil }

func (b *MemoryBackend) Store(name string) Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stores[name]; ok {
		return s
	}
	s := &memoryStore{data: make(map[string][]byte)}
	b.stores[name] = s
	return s
}

func (b *MemoryBackend) Close() error { return nil }

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.data = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
