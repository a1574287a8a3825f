package lookup

import (
	"context"
	"errors"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/instances"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// HashRecord is a record identified by a digest of its content.
type HashRecord[P any] interface {
	Reconciler[P]
	HashReady() bool
	ContentHash() (types.Hash, error)
}

// HashLookup finds or creates hash-addressed records. The store's natural
// key column must hold the raw digest.
type HashLookup[P HashRecord[P]] struct {
	cfg   Config
	store Store[P]
	cache *instances.Tracker[types.Hash, P]
}

func NewHashLookup[P HashRecord[P]](store Store[P], cfg Config) (*HashLookup[P], error) {
	cfg = cfg.withDefaults()
	cache, err := newTracker[types.Hash, P](cfg)
	if err != nil {
		return nil, &Error{Op: "New", Type: cfg.Name, Err: err}
	}
	return &HashLookup[P]{cfg: cfg, store: store, cache: cache}, nil
}

// GetOrCreate returns the canonical instance for candidate, inserting it when
// neither the cache nor the store has a record with the same hash. A nil
// candidate yields a nil result.
func (l *HashLookup[P]) GetOrCreate(ctx context.Context, sess Session, candidate P) (P, error) {
	var zero P
	if isNil(candidate) {
		return zero, nil
	}

	// an identical resident record saves computing the hash
	if !candidate.HashReady() {
		if found := l.cache.Find(candidate.Match, 1); len(found) > 0 {
			l.cfg.Telemetry.RecordCacheLookup(l.cfg.Name, true)
			return l.finish(candidate, found[0])
		}
	}

	h, err := candidate.ContentHash()
	if err != nil {
		return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
	}

	hit := true
	result, err := l.cache.GetOrConstructWith(h, func(h types.Hash) (P, error) {
		hit = false
		row, err := l.store.LoadByNaturalKey(ctx, sess, h[:])
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return zero, err
		}
		if _, err := l.store.Insert(ctx, sess, candidate); err != nil {
			return zero, err
		}
		sess.OnRollback(func() {
			l.cache.RemoveIf(h, func(v P) bool { return same(v, candidate) })
		})
		l.cfg.Logger.Debugw("Inserted hash-addressed record",
			"hash", h.String()[:16],
			"id", candidate.GetID(),
		)
		return candidate, nil
	})
	l.cfg.Telemetry.RecordCacheLookup(l.cfg.Name, hit)
	if err != nil {
		return zero, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
	}
	return l.finish(candidate, result)
}

func (l *HashLookup[P]) finish(candidate, winner P) (P, error) {
	result, err := finalize(candidate, winner)
	if err != nil {
		return result, &Error{Op: "Prepare", Type: l.cfg.Name, Err: err}
	}
	return result, nil
}

// Get returns the resident instance with hash h.
func (l *HashLookup[P]) Get(h types.Hash) (P, bool) {
	return l.cache.Get(h)
}

// Delete removes rec's row and its cache entry.
func (l *HashLookup[P]) Delete(ctx context.Context, sess Session, rec P) error {
	if isNil(rec) {
		return nil
	}
	if err := l.store.Delete(ctx, sess, rec.GetID()); err != nil {
		return &Error{Op: "Delete", Type: l.cfg.Name, Err: err}
	}
	if h, err := rec.ContentHash(); err == nil {
		l.cache.Remove(h)
	}
	return nil
}

// Len reports the number of resident instances.
func (l *HashLookup[P]) Len() int {
	return l.cache.Len()
}
