package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachedStore wraps an object store with an LRU read cache. Concurrent
// readers of the same key coalesce onto a single underlying fetch.
//
// Only sealed-tier objects should be read through the cache: they are
// immutable, so entries never need invalidation.
type CachedStore struct {
	inner ObjectStore
	cache *lru.Cache[string, []byte]
	group singleflight.Group
}

// NewCachedStore creates a caching wrapper holding up to size objects.
func NewCachedStore(inner ObjectStore, size int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}

	return &CachedStore{
		inner: inner,
		cache: cache,
	}, nil
}

// Get reads an object, serving repeated reads from the cache.
func (s *CachedStore) Get(ctx context.Context, prefix, name string) ([]byte, error) {
	key := prefix + "/" + name

	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}

	data, err, _ := s.group.Do(key, func() (interface{}, error) {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}

		data, err := s.inner.Get(ctx, prefix, name)
		if err != nil {
			return nil, err
		}

		s.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return data.([]byte), nil
}

// Put writes through to the underlying store.
func (s *CachedStore) Put(ctx context.Context, prefix, name string, data []byte) error {
	return s.inner.Put(ctx, prefix, name, data)
}

// Exists reports whether the object exists, checking the cache first.
func (s *CachedStore) Exists(ctx context.Context, prefix, name string) (bool, error) {
	if _, ok := s.cache.Get(prefix + "/" + name); ok {
		return true, nil
	}
	return s.inner.Exists(ctx, prefix, name)
}
