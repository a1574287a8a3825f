package instances

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EvictFunc observes instances dropped by a bounded tracker. It runs while the
// tracker is locked and must not call back into it.
type EvictFunc[K comparable, V any] func(key K, instance V)

type lruSet[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

func (s *lruSet[K, V]) get(key K) (V, bool) { return s.cache.Get(key) }
func (s *lruSet[K, V]) add(key K, val V)    { s.cache.Add(key, val) }
func (s *lruSet[K, V]) keys() []K           { return s.cache.Keys() }
func (s *lruSet[K, V]) values() []V         { return s.cache.Values() }
func (s *lruSet[K, V]) len() int            { return s.cache.Len() }

func (s *lruSet[K, V]) remove(key K) (V, bool) {
	v, ok := s.cache.Peek(key)
	if !ok {
		return v, false
	}
	s.cache.Remove(key)
	return v, true
}

// NewBounded returns a tracker that keeps at most size resolved instances and
// evicts the least recently used one beyond that. It suits lookup tables
// whose rows are cheap to reload from the store: an evicted key is simply
// constructed again on its next use.
func NewBounded[K comparable, V any](size int, construct Constructor[K, V], onEvict EvictFunc[K, V]) (*Tracker[K, V], error) {
	var (
		cache *lru.Cache[K, V]
		err   error
	)
	if onEvict != nil {
		cache, err = lru.NewWithEvict[K, V](size, func(key K, value V) { onEvict(key, value) })
	} else {
		cache, err = lru.New[K, V](size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create bounded tracker: %w", err)
	}

	return &Tracker[K, V]{
		construct: construct,
		pending:   make(map[K]*call[V]),
		resolved:  &lruSet[K, V]{cache: cache},
	}, nil
}
