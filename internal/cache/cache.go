// Package cache is a key/value cache with per-entry TTL, lazy eviction on
// read and regex invalidation. Storage is pluggable: an in-process go-cache
// map or a shared Redis instance.
package cache

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Entry is what a Store holds for every key. It is never mutated after Set.
type Entry[T any] struct {
	Data         T     `json:"data"`
	InsertedAtMs int64 `json:"insertedAtMs"`
	TTLMs        int64 `json:"ttlMs"`
}

// Expired reports whether the entry is dead at nowMs.
func (e Entry[T]) Expired(nowMs int64) bool {
	return nowMs-e.InsertedAtMs > e.TTLMs
}

// Store is the backing storage. Implementations never expire entries on
// their own; Cache decides expiry.
type Store[T any] interface {
	Get(ctx context.Context, key string) (Entry[T], bool, error)
	Set(ctx context.Context, key string, e Entry[T]) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfExpired removes key only if the entry stored now is expired
	// at nowMs, so a Set racing with an eviction is kept.
	DeleteIfExpired(ctx context.Context, key string, nowMs int64) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Flush(ctx context.Context) error
}

// Cache is constructed once per process and passed to its users.
type Cache[T any] struct {
	store Store[T]
	log   *zap.Logger
	Now   func() time.Time
}

func New[T any](store Store[T], log *zap.Logger) *Cache[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache[T]{store: store, log: log.Named("cache"), Now: time.Now}
}

// NewMemory returns a Cache over a fresh in-process store.
func NewMemory[T any](log *zap.Logger) *Cache[T] {
	return New[T](NewMemoryStore[T](), log)
}

func (c *Cache[T]) nowMs() int64 {
	if c.Now != nil {
		return c.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// Get returns the live value for key. An expired entry is deleted and
// reported absent; a fresher entry written meanwhile is left alone. Store errors are logged and treated as a miss.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	if now := c.nowMs(); e.Expired(now) {
		if _, err := c.store.DeleteIfExpired(ctx, key, now); err != nil {
			c.log.Warn("cache evict failed", zap.String("key", key), zap.Error(err))
		}
		c.log.Debug("cache entry expired", zap.String("key", key))
		return zero, false
	}
	return e.Data, true
}

// Set stores v under key for ttl. The last write for a key wins.
func (c *Cache[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	return c.store.Set(ctx, key, Entry[T]{
		Data:         v,
		InsertedAtMs: c.nowMs(),
		TTLMs:        ttl.Milliseconds(),
	})
}

func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Invalidate removes every key matching pattern and returns how many matched.
func (c *Cache[T]) Invalidate(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var matched []string
	for _, k := range keys {
		if pattern.MatchString(k) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, matched...); err != nil {
		return 0, err
	}
	c.log.Debug("cache invalidated", zap.String("pattern", pattern.String()), zap.Int("keys", len(matched)))
	return len(matched), nil
}

// Clear drops every entry.
func (c *Cache[T]) Clear(ctx context.Context) error {
	return c.store.Flush(ctx)
}
