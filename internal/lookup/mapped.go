package lookup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/instances"
)

const mapStripes = 64

// MapRecord is a record identified by a set of named field values.
type MapRecord[P any] interface {
	Reconciler[P]
	SearchMap() map[string]interface{}
}

// MapLookup finds or creates map-addressed records. The scan cache, query
// store, insert sequence runs under a lock chosen by the search map, so two
// callers with equivalent maps can never both insert.
type MapLookup[P MapRecord[P]] struct {
	cfg     Config
	store   Store[P]
	cache   *instances.Tracker[int32, P]
	stripes [mapStripes]sync.Mutex
}

func NewMapLookup[P MapRecord[P]](store Store[P], cfg Config) (*MapLookup[P], error) {
	cfg = cfg.withDefaults()
	cache, err := newTracker[int32, P](cfg)
	if err != nil {
		return nil, &Error{Op: "New", Type: cfg.Name, Err: err}
	}
	return &MapLookup[P]{cfg: cfg, store: store, cache: cache}, nil
}

// canonicalSearchMap renders a search map with sorted keys.
func canonicalSearchMap(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, m[k])
	}
	return b.String()
}

func (l *MapLookup[P]) stripe(search map[string]interface{}) *sync.Mutex {
	return &l.stripes[murmur3.Sum32([]byte(canonicalSearchMap(search)))%mapStripes]
}

// GetOrCreate returns the canonical instance for candidate. More than one
// stored match is reported as ErrMultipleMatches; none inserts candidate.
func (l *MapLookup[P]) GetOrCreate(ctx context.Context, sess Session, candidate P) (P, error) {
	var zero P
	if isNil(candidate) {
		return zero, nil
	}

	search := candidate.SearchMap()
	mu := l.stripe(search)
	mu.Lock()
	defer mu.Unlock()

	if found := l.cache.Find(candidate.Match, 1); len(found) > 0 {
		l.cfg.Telemetry.RecordCacheLookup(l.cfg.Name, true)
		return l.finish(candidate, found[0])
	}
	l.cfg.Telemetry.RecordCacheLookup(l.cfg.Name, false)

	rows, err := l.store.QueryByEqualityMap(ctx, sess, search)
	if err != nil {
		return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
	}

	var result P
	switch len(rows) {
	case 0:
		if err := candidate.Prepare(); err != nil {
			return zero, &Error{Op: "Prepare", Type: l.cfg.Name, Err: err}
		}
		id, err := l.store.Insert(ctx, sess, candidate)
		if err != nil {
			return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
		}
		result, err = l.cache.ConstructWith(id, func(int32) (P, error) { return candidate, nil })
		if err != nil {
			return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
		}
		sess.OnRollback(func() {
			l.cache.RemoveIf(id, func(v P) bool { return same(v, candidate) })
		})
	case 1:
		row := rows[0]
		result, err = l.cache.GetOrConstructWith(row.GetID(), func(int32) (P, error) { return row, nil })
		if err != nil {
			return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
		}
	default:
		l.cfg.Logger.Errorw("Search map matched several rows",
			"search", canonicalSearchMap(search),
			"matches", len(rows),
		)
		return zero, &Error{
			Op:   "GetOrCreate",
			Type: l.cfg.Name,
			Err:  fmt.Errorf("%w: %d rows for %s", ErrMultipleMatches, len(rows), canonicalSearchMap(search)),
		}
	}

	return l.finish(candidate, result)
}

func (l *MapLookup[P]) finish(candidate, winner P) (P, error) {
	result, err := finalize(candidate, winner)
	if err != nil {
		return result, &Error{Op: "Prepare", Type: l.cfg.Name, Err: err}
	}
	return result, nil
}

// Get returns the resident instance with the given id.
func (l *MapLookup[P]) Get(id int32) (P, bool) {
	return l.cache.Get(id)
}

// Delete removes rec's row and its cache entry.
func (l *MapLookup[P]) Delete(ctx context.Context, sess Session, rec P) error {
	if isNil(rec) {
		return nil
	}
	mu := l.stripe(rec.SearchMap())
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.Delete(ctx, sess, rec.GetID()); err != nil {
		return &Error{Op: "Delete", Type: l.cfg.Name, Err: err}
	}
	l.cache.Remove(rec.GetID())
	return nil
}

func (l *MapLookup[P]) Len() int {
	return l.cache.Len()
}
