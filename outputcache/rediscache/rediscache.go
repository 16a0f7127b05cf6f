// Package rediscache is a Redis-backed outputcache.Cache, built for
// single-flight across *processes* (the in-package keyedMutex in
// outputcache.SingleFlightCache only serializes within one process):
// TryClaim uses SETNX on a claim marker so only the first claimant across
// any process computes a fingerprint, while Put itself is a plain SET
// (last writer wins), which is safe because inputs are content-addressed.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/taskgraph/outputcache"
)

// Options configures the Redis connection and key namespace.
type Options struct {
	Prefix string        // default "taskgraph:outputcache:"
	TTL    time.Duration // zero means no expiration
}

// Cache is a Redis-backed outputcache.Cache.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ outputcache.Cache = (*Cache)(nil)

// New builds a Cache from a pre-constructed client.
func New(client *redis.Client, opts Options) *Cache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskgraph:outputcache:"
	}
	return &Cache{client: client, prefix: prefix, ttl: opts.TTL}
}

func (c *Cache) key(taskType, fingerprint string) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, taskType, fingerprint)
}

func (c *Cache) Get(ctx context.Context, taskType, fingerprint string) (any, bool, error) {
	data, err := c.client.Get(ctx, c.key(taskType, fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("outputcache/rediscache: get: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("outputcache/rediscache: unmarshal: %w", err)
	}
	return v, true, nil
}

// Put writes unconditionally with SET, matching the last-writer-wins
// contract; single-flight across processes is achieved by callers using
// TryClaim first.
func (c *Cache) Put(ctx context.Context, taskType, fingerprint string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("outputcache/rediscache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(taskType, fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("outputcache/rediscache: put: %w", err)
	}
	return nil
}

// TryClaim attempts to become the single computing worker for
// (taskType, fingerprint) across all processes sharing this Redis
// instance, using SETNX against a short-lived claim marker. It reports
// true if the caller won the claim and must now compute and Put the
// result; false means another process already claimed (or completed)
// it.
func (c *Cache) TryClaim(ctx context.Context, taskType, fingerprint string, claimTTL time.Duration) (bool, error) {
	claimKey := c.key(taskType, fingerprint) + ":claim"
	ok, err := c.client.SetNX(ctx, claimKey, "1", claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("outputcache/rediscache: claim: %w", err)
	}
	return ok, nil
}

func (c *Cache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("outputcache/rediscache: clear: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("outputcache/rediscache: clear: %w", err)
	}
	return nil
}
