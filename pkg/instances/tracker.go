// Package instances provides get-or-construct caches that hand out one
// canonical instance per key, even under concurrent construction races.
package instances

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrNoConstructor is returned by GetOrConstruct on a tracker built without
// a default constructor.
var ErrNoConstructor = errors.New("instances: no default constructor")

// Constructor builds the instance for a key that is not yet resident.
type Constructor[K comparable, V any] func(key K) (V, error)

// call is one in-flight construction. done is closed once val/err are set.
type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// resolvedSet holds finished instances. The strong tracker uses a plain map,
// the bounded tracker an LRU.
type resolvedSet[K comparable, V any] interface {
	get(key K) (V, bool)
	add(key K, val V)
	remove(key K) (V, bool)
	keys() []K
	values() []V
	len() int
}

type mapEntry[K comparable, V any] struct {
	key K
	val V
}

// mapSet keeps insertion order in a list so removal does not scan.
type mapSet[K comparable, V any] struct {
	m     map[K]*list.Element
	order *list.List
}

func newMapSet[K comparable, V any]() *mapSet[K, V] {
	return &mapSet[K, V]{m: make(map[K]*list.Element), order: list.New()}
}

func (s *mapSet[K, V]) get(key K) (V, bool) {
	if e, ok := s.m[key]; ok {
		return e.Value.(*mapEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

func (s *mapSet[K, V]) add(key K, val V) {
	if e, ok := s.m[key]; ok {
		e.Value.(*mapEntry[K, V]).val = val
		return
	}
	s.m[key] = s.order.PushBack(&mapEntry[K, V]{key: key, val: val})
}

func (s *mapSet[K, V]) remove(key K) (V, bool) {
	e, ok := s.m[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.m, key)
	return s.order.Remove(e).(*mapEntry[K, V]).val, true
}

func (s *mapSet[K, V]) keys() []K {
	out := make([]K, 0, len(s.m))
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*mapEntry[K, V]).key)
	}
	return out
}

func (s *mapSet[K, V]) values() []V {
	out := make([]V, 0, len(s.m))
	for e := s.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*mapEntry[K, V]).val)
	}
	return out
}

func (s *mapSet[K, V]) len() int {
	return len(s.m)
}

// Tracker is a thread-safe memoizing map from key to canonical instance.
// At most one construction per key is in flight; every concurrent caller for
// that key blocks until it finishes and observes the same result.
type Tracker[K comparable, V any] struct {
	construct Constructor[K, V]

	mu       sync.Mutex
	pending  map[K]*call[V]
	resolved resolvedSet[K, V]
}

// New returns a tracker that keeps every constructed instance until removed.
// construct may be nil when callers always supply their own constructor.
func New[K comparable, V any](construct Constructor[K, V]) *Tracker[K, V] {
	return &Tracker[K, V]{
		construct: construct,
		pending:   make(map[K]*call[V]),
		resolved:  newMapSet[K, V](),
	}
}

// Get returns the instance for key without constructing. An in-flight
// construction is waited on.
func (t *Tracker[K, V]) Get(key K) (V, bool) {
	t.mu.Lock()
	if v, ok := t.resolved.get(key); ok {
		t.mu.Unlock()
		return v, true
	}
	c, inFlight := t.pending[key]
	t.mu.Unlock()

	if !inFlight {
		var zero V
		return zero, false
	}
	<-c.done
	if c.err != nil {
		var zero V
		return zero, false
	}
	return c.val, true
}

// GetOrConstruct returns the canonical instance for key, building it with
// the tracker's default constructor on a miss.
func (t *Tracker[K, V]) GetOrConstruct(key K) (V, error) {
	if t.construct == nil {
		var zero V
		return zero, ErrNoConstructor
	}
	return t.getOrConstruct(key, t.construct, false)
}

// GetOrConstructWith is GetOrConstruct with a caller supplied constructor.
func (t *Tracker[K, V]) GetOrConstructWith(key K, construct Constructor[K, V]) (V, error) {
	if construct == nil {
		var zero V
		return zero, fmt.Errorf("instances: nil constructor for key %v", key)
	}
	return t.getOrConstruct(key, construct, false)
}

// ConstructWith drops any resolved instance for key and constructs a new one.
// It is meant for keys the caller has already proven absent from the backing
// store. If another construction for key is in flight, its result is
// returned instead, so two constructors never both win.
func (t *Tracker[K, V]) ConstructWith(key K, construct Constructor[K, V]) (V, error) {
	if construct == nil {
		var zero V
		return zero, fmt.Errorf("instances: nil constructor for key %v", key)
	}
	return t.getOrConstruct(key, construct, true)
}

func (t *Tracker[K, V]) getOrConstruct(key K, construct Constructor[K, V], replace bool) (V, error) {
	t.mu.Lock()
	if !replace {
		if v, ok := t.resolved.get(key); ok {
			t.mu.Unlock()
			return v, nil
		}
	}
	if c, ok := t.pending[key]; ok {
		t.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	if replace {
		t.resolved.remove(key)
	}
	c := &call[V]{done: make(chan struct{})}
	t.pending[key] = c
	t.mu.Unlock()

	t.runConstructor(key, c, construct)
	return c.val, c.err
}

func (t *Tracker[K, V]) runConstructor(key K, c *call[V], construct Constructor[K, V]) {
	finished := false
	defer func() {
		if !finished {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("instances: constructor panicked for key %v: %v", key, r)
			}
		}
		t.mu.Lock()
		delete(t.pending, key)
		if c.err == nil {
			t.resolved.add(key, c.val)
		}
		t.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = construct(key)
	finished = true
}

// Put stores instance under key, replacing whatever was resolved there.
func (t *Tracker[K, V]) Put(key K, instance V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolved.add(key, instance)
}

// Remove evicts key and returns the instance that was resident.
func (t *Tracker[K, V]) Remove(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved.remove(key)
}

// RemoveIf evicts key only while the resident instance satisfies match.
func (t *Tracker[K, V]) RemoveIf(key K, match func(V) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.resolved.get(key)
	if !ok || !match(v) {
		return false
	}
	t.resolved.remove(key)
	return true
}

// Find scans resident instances and returns those accepted by match, in
// insertion order. A limit <= 0 means no limit. In-flight constructions are
// not waited on.
func (t *Tracker[K, V]) Find(match func(V) bool, limit int) []V {
	t.mu.Lock()
	values := t.resolved.values()
	t.mu.Unlock()

	var accepted []V
	for _, v := range values {
		if !match(v) {
			continue
		}
		accepted = append(accepted, v)
		if limit > 0 && len(accepted) >= limit {
			break
		}
	}
	return accepted
}

// Keys returns the keys of resident instances.
func (t *Tracker[K, V]) Keys() []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved.keys()
}

// Len reports the number of resident instances.
func (t *Tracker[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved.len()
}
