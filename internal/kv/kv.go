// Package kv provides the namespaced key-value persistence layer.
//
// A Backend owns the physical storage (redis, sql, or process memory) and
// hands out logical Stores by name. Stores never see each other's keys even
// when they share the same physical storage.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable reports that the backend's storage cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is a single named key-value namespace. Values are opaque bytes;
// callers own serialization. A missing key is not an error: Get reports
// found=false.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Iterate(ctx context.Context, fn func(key string, value []byte) error) error
}

// Backend constructs Stores over one physical storage. Init is the one-time
// handshake; it must be called before Store.
type Backend interface {
	Init(ctx context.Context) error
	Store(name string) Store
	Close() error
}
