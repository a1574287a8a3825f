// Package lookup turns candidate records into canonical persisted instances.
//
// Three addressing strategies are provided: HashLookup (content digest),
// MapLookup (composite search map) and StringLookup (the string value is the
// key). Each keeps an instances.Tracker in front of the store so that
// concurrent discoveries of the same logical record converge on one object
// and one row.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/instances"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// ErrMultipleMatches is a consistency violation: a search map that should
// identify one row matched several.
var ErrMultipleMatches = errors.New("search map matched more than one row")

// Error wraps failures with the lookup and operation they came from.
type Error struct {
	Op   string
	Type string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lookup %s.%s: %v", e.Type, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConsistency reports whether err is an identity violation that retrying
// cannot fix.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrMultipleMatches) || errors.Is(err, types.ErrImmutable)
}

// Session is the store lease a lookup runs on. Rows inserted through it are
// evicted from the cache again if the session rolls back.
type Session interface {
	sqlx.ExtContext
	OnRollback(fn func())
}

// Store is the persistence a lookup falls back to on a cache miss. A missing
// row is reported with database.ErrNotFound.
type Store[P any] interface {
	LoadByKey(ctx context.Context, q sqlx.ExtContext, id int32) (P, error)
	LoadByNaturalKey(ctx context.Context, q sqlx.ExtContext, key interface{}) (P, error)
	QueryByEqualityMap(ctx context.Context, q sqlx.ExtContext, match map[string]interface{}) ([]P, error)
	Insert(ctx context.Context, q sqlx.ExtContext, rec P) (int32, error)
	Delete(ctx context.Context, q sqlx.ExtContext, id int32) error
}

// Reconciler is the finalization contract shared by hash and map records.
type Reconciler[P any] interface {
	types.Identified
	// Match reports whether other is the same logical record.
	Match(other P) bool
	// Reconcile copies non-identity fields from a losing candidate.
	Reconcile(from P)
	// Prepare makes the canonical instance ready for use.
	Prepare() error
}

// Config is shared by all lookup constructors.
type Config struct {
	// Name labels logs and cache metrics.
	Name string
	// CacheSize bounds the cache with LRU eviction. Zero keeps every
	// instance for the life of the process.
	CacheSize int
	Telemetry core.Telemetry
	Logger    *logger.Logger
}

func (c Config) withDefaults() Config {
	if c.Telemetry == nil {
		c.Telemetry = telemetry.Noop()
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	c.Logger = c.Logger.WithComponent("lookup").WithFields("lookup", c.Name)
	return c
}

func newTracker[K comparable, V any](cfg Config) (*instances.Tracker[K, V], error) {
	if cfg.CacheSize > 0 {
		return instances.NewBounded[K, V](cfg.CacheSize, nil, nil)
	}
	return instances.New[K, V](nil), nil
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func same[P any](a, b P) bool {
	return interface{}(a) == interface{}(b)
}

// finalize degrades the candidate to the winner: identity stays with the
// winner, remaining fields are carried over, and the winner is prepared.
func finalize[P Reconciler[P]](candidate, winner P) (P, error) {
	if !same(candidate, winner) {
		winner.Reconcile(candidate)
	}
	if err := winner.Prepare(); err != nil {
		var zero P
		return zero, err
	}
	return winner, nil
}
