package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores every (store, key) pair as a plain redis key
// "<app>:<store>:<key>". Keys and Iterate walk the store's prefix with SCAN
// so large caches never block the server.
type RedisBackend struct {
	client *redis.Client
	app    string
}

func NewRedisBackend(client *redis.Client, app string) *RedisBackend {
	if strings.TrimSpace(app) == "" {
		app = "lorekeeper"
	}
	return &RedisBackend{client: client, app: app}
}

func (b *RedisBackend) Init(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Store(name string) Store {
	return &redisStore{client: b.client, prefix: b.app + ":" + name + ":"}
}

func (b *RedisBackend) Close() error { return b.client.Close() }

type redisStore struct {
	client *redis.Client
	prefix string
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	return s.scan(ctx, func(fullKey string) error {
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	})
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	out := make([]string, 0)
	err := s.scan(ctx, func(fullKey string) error {
		out = append(out, strings.TrimPrefix(fullKey, s.prefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	return s.scan(ctx, func(fullKey string) error {
		v, err := s.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Deleted between SCAN and GET.
				return nil
			}
			return fmt.Errorf("redis get: %w", err)
		}
		return fn(strings.TrimPrefix(fullKey, s.prefix), v)
	})
}

func (s *redisStore) scan(ctx context.Context, fn func(fullKey string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
