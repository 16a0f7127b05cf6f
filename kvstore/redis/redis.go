// Package redis is a kvstore.Store backed by Redis, grounded on the
// teacher's checkpoint store: JSON-encoded values under a prefixed key,
// a pipeline for multi-key clear.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/taskgraph/kvstore"
)

// Options configures the Redis connection and key namespace.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys, default "taskgraph:kv:".
	Prefix string
	// TTL expires values after the given duration; zero means no
	// expiration.
	TTL time.Duration
}

// Store is a Redis-backed kvstore.Store.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ kvstore.Store = (*Store)(nil)

// New builds a Store from a pre-constructed client, so callers (and
// tests, via miniredis) control connection setup.
func New(client *redis.Client, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskgraph:kv:"
	}
	return &Store{client: client, prefix: prefix, ttl: opts.TTL}
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore/redis: marshal %q: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("kvstore/redis: put %q: %w", key, err)
	}
	return s.client.SAdd(ctx, s.indexKey(), key).Err()
}

func (s *Store) indexKey() string { return s.prefix + "__keys__" }

func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore/redis: get %q: %w", key, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("kvstore/redis: unmarshal %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(key))
	pipe.SRem(ctx, s.indexKey(), key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvstore/redis: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("kvstore/redis: clear: list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.key(k))
	}
	pipe.Del(ctx, s.indexKey())
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvstore/redis: clear: %w", err)
	}
	return nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore/redis: size: %w", err)
	}
	return int(n), nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore/redis: keys: %w", err)
	}
	return keys, nil
}
