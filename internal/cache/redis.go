package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares entries between processes. Values are JSON-encoded
// entries under {namespace}:{key}; no Redis TTL is set because expiry is
// decided on read.
type RedisStore[T any] struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisStore[T any](rdb *redis.Client, namespace string) *RedisStore[T] {
	if namespace == "" {
		namespace = "docqr"
	}
	return &RedisStore[T]{rdb: rdb, namespace: namespace}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore[T]) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RedisStore[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry[T]{}, false, nil
	}
	if err != nil {
		return Entry[T]{}, false, err
	}
	var e Entry[T]
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry[T]{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return e, true, nil
}

func (s *RedisStore[T]) Set(ctx context.Context, key string, e Entry[T]) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.rdb.Set(ctx, s.key(key), raw, 0).Err()
}

func (s *RedisStore[T]) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.rdb.Del(ctx, full...).Err()
}

// DeleteIfExpired re-reads the entry under WATCH and deletes it in a
// transaction; a concurrent Set aborts the delete.
func (s *RedisStore[T]) DeleteIfExpired(ctx context.Context, key string, nowMs int64) (bool, error) {
	full := s.key(key)
	deleted := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var e Entry[T]
		if err := json.Unmarshal(raw, &e); err == nil && !e.Expired(nowMs) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, full)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, full)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return deleted, err
}

// Keys scans the namespace and returns keys without the namespace prefix.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	prefix := s.namespace + ":"
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Flush deletes the namespace only; other data in the database is untouched.
func (s *RedisStore[T]) Flush(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	return s.Delete(ctx, keys...)
}
