package cache

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps entries in a go-cache map with expiration and the
// janitor disabled, so entries only leave through Cache. mu orders writes
// against DeleteIfExpired; reads go straight to go-cache.
type MemoryStore[T any] struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{c: gocache.New(gocache.NoExpiration, 0)}
}

func (s *MemoryStore[T]) Get(_ context.Context, key string) (Entry[T], bool, error) {
	x, found := s.c.Get(key)
	if !found {
		return Entry[T]{}, false, nil
	}
	e, ok := x.(Entry[T])
	if !ok {
		return Entry[T]{}, false, nil
	}
	return e, true, nil
}

func (s *MemoryStore[T]) Set(_ context.Context, key string, e Entry[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, e, gocache.NoExpiration)
	return nil
}

func (s *MemoryStore[T]) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.c.Delete(k)
	}
	return nil
}

func (s *MemoryStore[T]) DeleteIfExpired(_ context.Context, key string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, found := s.c.Get(key)
	if !found {
		return false, nil
	}
	if e, ok := x.(Entry[T]); ok && !e.Expired(nowMs) {
		return false, nil
	}
	s.c.Delete(key)
	return true, nil
}

func (s *MemoryStore[T]) Keys(_ context.Context) ([]string, error) {
	items := s.c.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore[T]) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Flush()
	return nil
}

// Len is the number of stored entries, expired ones included.
func (s *MemoryStore[T]) Len() int {
	return s.c.ItemCount()
}
