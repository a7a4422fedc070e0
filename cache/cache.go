// Package cache provides the semantic grading cache. Entries are keyed by
// rubric hash and perceptual image hash, so a resubmitted scan of the same
// answer under the same rubric is answered without another model call. The
// cache is an optimization layer: backend failures degrade to misses and
// never fail a grading run.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/gradeflow/log"
)

// Keys identifies one cacheable grading outcome. Two submissions collide
// only when both the rubric and the perceptual hash of the answer image
// match exactly.
type Keys struct {
	RubricHash string
	ImageHash  uint64
}

// Cache is the semantic cache over grading results.
type Cache[V any] interface {
	// Lookup returns the cached value and true on a hit. Backend failures
	// report a miss, never an error.
	Lookup(ctx context.Context, keys Keys) (V, bool)

	// Store writes the value under the keys. Returns false when the value
	// was not cached (backend failure or caching disabled).
	Store(ctx context.Context, keys Keys, value V) bool

	// InvalidateRubric drops every entry cached under the rubric hash.
	// Called when a rubric is revised so stale grades cannot resurface.
	InvalidateRubric(ctx context.Context, rubricHash string) (int, error)
}

// RedisCache implements Cache on Redis. Entries carry a TTL, and a per-rubric
// index set makes InvalidateRubric a single SMEMBERS + DEL.
type RedisCache[V any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger log.Logger
}

// RedisOptions configures the Redis cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "gradeflow:cache:"
	TTL      time.Duration // entry expiration, default 30 days
	Logger   log.Logger
}

// NewRedisCache creates a cache backed by a new Redis client.
func NewRedisCache[V any](opts RedisOptions) *RedisCache[V] {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCacheWithClient[V](client, opts)
}

// NewRedisCacheWithClient wraps an existing client. Useful for testing with
// miniredis.
func NewRedisCacheWithClient[V any](client redis.UniversalClient, opts RedisOptions) *RedisCache[V] {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "gradeflow:cache:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop{}
	}
	return &RedisCache[V]{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *RedisCache[V]) entryKey(keys Keys) string {
	return fmt.Sprintf("%sentry:%s:%016x", c.prefix, keys.RubricHash, keys.ImageHash)
}

func (c *RedisCache[V]) rubricIndexKey(rubricHash string) string {
	return fmt.Sprintf("%srubric:%s", c.prefix, rubricHash)
}

// Lookup returns the cached value and true on a hit.
func (c *RedisCache[V]) Lookup(ctx context.Context, keys Keys) (V, bool) {
	var zero V

	data, err := c.client.Get(ctx, c.entryKey(keys)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache lookup degraded to miss: %v", err)
		}
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss: %v", err)
		return zero, false
	}
	return value, true
}

// Store writes the value and registers it in the rubric index.
func (c *RedisCache[V]) Store(ctx context.Context, keys Keys, value V) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache store skipped, value not serializable: %v", err)
		return false
	}

	entryKey := c.entryKey(keys)
	indexKey := c.rubricIndexKey(keys.RubricHash)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, entryKey, data, c.ttl)
	pipe.SAdd(ctx, indexKey, entryKey)
	pipe.Expire(ctx, indexKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cache store failed: %v", err)
		return false
	}
	return true
}

// InvalidateRubric drops every entry cached under the rubric hash.
func (c *RedisCache[V]) InvalidateRubric(ctx context.Context, rubricHash string) (int, error) {
	indexKey := c.rubricIndexKey(rubricHash)

	entries, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read rubric index: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	pipe := c.client.Pipeline()
	del := pipe.Del(ctx, entries...)
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to invalidate rubric entries: %w", err)
	}
	return int(del.Val()), nil
}

// Nop is a disabled cache. Every lookup misses, every store is dropped.
type Nop[V any] struct{}

func (Nop[V]) Lookup(context.Context, Keys) (V, bool) {
	var zero V
	return zero, false
}

func (Nop[V]) Store(context.Context, Keys, V) bool { return false }

func (Nop[V]) InvalidateRubric(context.Context, string) (int, error) { return 0, nil }
