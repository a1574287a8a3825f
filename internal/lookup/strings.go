package lookup

import (
	"context"
	"errors"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/instances"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// StringRecord is a lookup-table row whose identity is its string value.
type StringRecord interface {
	types.Identified
	SetValue(v string) error
}

// StringLookup finds or creates rows of a small string lookup table.
type StringLookup[T any, P interface {
	*T
	StringRecord
}] struct {
	cfg   Config
	store Store[P]
	cache *instances.Tracker[string, P]
}

func NewStringLookup[T any, P interface {
	*T
	StringRecord
}](store Store[P], cfg Config) (*StringLookup[T, P], error) {
	cfg = cfg.withDefaults()
	cache, err := newTracker[string, P](cfg)
	if err != nil {
		return nil, &Error{Op: "New", Type: cfg.Name, Err: err}
	}
	return &StringLookup[T, P]{cfg: cfg, store: store, cache: cache}, nil
}

// GetOrCreate returns the canonical row for value. An empty value yields nil.
func (l *StringLookup[T, P]) GetOrCreate(ctx context.Context, sess Session, value string) (P, error) {
	if value == "" {
		return nil, nil
	}

	hit := true
	result, err := l.cache.GetOrConstructWith(value, func(v string) (P, error) {
		hit = false
		row, err := l.store.LoadByNaturalKey(ctx, sess, v)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}

		rec := P(new(T))
		if err := rec.SetValue(v); err != nil {
			return nil, err
		}
		if _, err := l.store.Insert(ctx, sess, rec); err != nil {
			return nil, err
		}
		sess.OnRollback(func() {
			l.cache.RemoveIf(v, func(cur P) bool { return same(cur, rec) })
		})
		return rec, nil
	})
	l.cfg.Telemetry.RecordCacheLookup(l.cfg.Name, hit)
	if err != nil {
		return nil, &Error{Op: "GetOrCreate", Type: l.cfg.Name, Err: err}
	}
	return result, nil
}

// Get returns the resident row for value.
func (l *StringLookup[T, P]) Get(value string) (P, bool) {
	return l.cache.Get(value)
}

// Delete removes the row for value and its cache entry. An absent value is
// not an error.
func (l *StringLookup[T, P]) Delete(ctx context.Context, sess Session, value string) error {
	if value == "" {
		return nil
	}
	rec, ok := l.cache.Get(value)
	if !ok {
		row, err := l.store.LoadByNaturalKey(ctx, sess, value)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return &Error{Op: "Delete", Type: l.cfg.Name, Err: err}
		}
		rec = row
	}
	if err := l.store.Delete(ctx, sess, rec.GetID()); err != nil {
		return &Error{Op: "Delete", Type: l.cfg.Name, Err: err}
	}
	l.cache.Remove(value)
	return nil
}

func (l *StringLookup[T, P]) Len() int {
	return l.cache.Len()
}
