// Package infra provides concrete infrastructure adapters outside the
// tenant-scoped Store contract. The only adapter today is a Redis-backed
// read-through cache for idempotency records (SPEC_FULL.md §4.H): a cache
// hit skips the store round trip on replay; a miss falls through to
// internal/idempotency.Middleware's normal store-backed path, which then
// populates the cache for next time. Adapted from the teacher's go-redis v9
// wrapper (originally a generic Set/Get/Del/SAdd/Publish adapter for a
// pub/sub fabric this domain has no use for) down to exactly the
// get/put/delete surface the idempotency cache needs.
package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooterra/settld-core/internal/store"
)

// ErrCacheMiss is returned by IdempotencyCache.Get when the key is absent.
var ErrCacheMiss = errors.New("infra: idempotency cache miss")

// IdempotencyCache is a Redis-backed read-through cache keyed by
// tenantId+key, storing the same IdempotencyRecord the Store persists
// durably. It is an optional accelerator: every deployment works with it
// absent, just without the cache-hit fast path.
type IdempotencyCache struct {
	rdb *redis.Client
}

// NewIdempotencyCache connects to Redis at addr and verifies connectivity
// with a bounded ping before returning, the way the teacher's adapter does.
func NewIdempotencyCache(addr, password string, db int) (*IdempotencyCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &IdempotencyCache{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (c *IdempotencyCache) Close() error {
	return c.rdb.Close()
}

func cacheKey(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

// Get returns the cached record, or ErrCacheMiss if absent or expired.
func (c *IdempotencyCache) Get(ctx context.Context, tenantID, key string) (*store.IdempotencyRecord, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var rec store.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put writes rec to the cache with the record's own TTL, mirroring the
// durable store's expiry so a cache hit never outlives the record it
// shadows.
func (c *IdempotencyCache) Put(ctx context.Context, rec *store.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return c.rdb.Set(ctx, cacheKey(rec.TenantID, rec.Key), raw, ttl).Err()
}
