package kv

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func newSQLiteBackend(t *testing.T) *SQLBackend {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kv.db")
	b := NewSQLBackend("sqlite", dsn, true, "")
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteBackend(t).Store("audio")

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}

	blob := []byte{0x00, 0x10, 0xFF}
	if err := s.Set(ctx, "clip", blob); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Overwrite through the upsert path.
	blob2 := []byte("replaced")
	if err := s.Set(ctx, "clip", blob2); err != nil {
		t.Fatalf("set overwrite: %v", err)
	}

	v, found, err := s.Get(ctx, "clip")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !bytes.Equal(v, blob2) {
		t.Fatalf("expected overwritten value, got %q", v)
	}
}

func TestSQLStoreIsolationAndClear(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteBackend(t)
	chatStore := b.Store("chat")
	sessionStore := b.Store("session")

	if err := chatStore.Set(ctx, "k", []byte("chat")); err != nil {
		t.Fatalf("set chat: %v", err)
	}
	if err := sessionStore.Set(ctx, "k", []byte("session")); err != nil {
		t.Fatalf("set session: %v", err)
	}

	if err := chatStore.Clear(ctx); err != nil {
		t.Fatalf("clear chat: %v", err)
	}
	if _, found, _ := chatStore.Get(ctx, "k"); found {
		t.Fatalf("chat store should be empty")
	}
	if _, found, _ := sessionStore.Get(ctx, "k"); !found {
		t.Fatalf("session store should be untouched")
	}
}

func TestSQLStoreIterateAllowsMutation(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteBackend(t).Store("audio_meta")

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	// Deleting during iteration must not deadlock the single sqlite conn.
	err := s.Iterate(ctx, func(key string, value []byte) error {
		return s.Delete(ctx, key)
	})
	if err != nil {
		t.Fatalf("iterate with deletes: %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected all keys deleted, got %v", keys)
	}
}

func TestSQLBackendBadDSN(t *testing.T) {
	b := NewSQLBackend("sqlite", "", true, "")
	if err := b.Init(context.Background()); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
