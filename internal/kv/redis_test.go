package kv

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackend(rdb, "testapp")
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("init backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisBackend(t).Store("audio")

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}

	blob := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := s.Set(ctx, "clip", blob); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, found, err := s.Get(ctx, "clip")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !bytes.Equal(v, blob) {
		t.Fatalf("binary payload mangled: %v", v)
	}
}

func TestRedisStoreNamespacing(t *testing.T) {
	ctx := context.Background()
	b := newRedisBackend(t)
	chatStore := b.Store("chat")
	audioStore := b.Store("audio")

	if err := chatStore.Set(ctx, "k", []byte("chat-v")); err != nil {
		t.Fatalf("set chat: %v", err)
	}
	if err := audioStore.Set(ctx, "k", []byte("audio-v")); err != nil {
		t.Fatalf("set audio: %v", err)
	}

	v, _, _ := chatStore.Get(ctx, "k")
	if string(v) != "chat-v" {
		t.Fatalf("chat store returned %q", v)
	}

	if err := chatStore.Clear(ctx); err != nil {
		t.Fatalf("clear chat: %v", err)
	}
	if _, found, _ := audioStore.Get(ctx, "k"); !found {
		t.Fatalf("clearing one store wiped another")
	}
}

func TestRedisStoreKeysAndIterate(t *testing.T) {
	ctx := context.Background()
	s := newRedisBackend(t).Store("chat")

	want := map[string]string{"s1": "a", "s2": "b", "s3": "c"}
	for k, v := range want {
		if err := s.Set(ctx, k, []byte(v)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), keys)
	}

	seen := map[string]string{}
	if err := s.Iterate(ctx, func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	for k, v := range want {
		if seen[k] != v {
			t.Fatalf("iterate missed %s: got %v", k, seen)
		}
	}
}
