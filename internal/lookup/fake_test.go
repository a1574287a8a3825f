package lookup

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// fakeSession satisfies Session without a database behind it.
type fakeSession struct {
	sqlx.ExtContext

	mu    sync.Mutex
	hooks []func()
}

func (s *fakeSession) OnRollback(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *fakeSession) rollback() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// fakeStore keeps rows in memory. naturalKey extracts the value compared by
// LoadByNaturalKey; searchMap the columns compared by QueryByEqualityMap.
type fakeStore[P types.Identified] struct {
	naturalKey func(P) interface{}
	searchMap  func(P) map[string]interface{}
	delay      time.Duration
	failInsert error

	mu      sync.Mutex
	rows    []P
	nextID  int32
	inserts atomic.Int32
	queries atomic.Int32
}

func (f *fakeStore[P]) seed(rows ...P) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		if r.GetID() == 0 {
			f.nextID++
			_ = r.SetID(f.nextID + 1000)
		}
		f.rows = append(f.rows, r)
	}
}

func (f *fakeStore[P]) LoadByKey(_ context.Context, _ sqlx.ExtContext, id int32) (P, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.GetID() == id {
			return r, nil
		}
	}
	var zero P
	return zero, database.ErrNotFound
}

func (f *fakeStore[P]) LoadByNaturalKey(_ context.Context, _ sqlx.ExtContext, key interface{}) (P, error) {
	f.queries.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if reflect.DeepEqual(f.naturalKey(r), key) {
			return r, nil
		}
	}
	var zero P
	return zero, database.ErrNotFound
}

func (f *fakeStore[P]) QueryByEqualityMap(_ context.Context, _ sqlx.ExtContext, match map[string]interface{}) ([]P, error) {
	f.queries.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []P
	for _, r := range f.rows {
		if reflect.DeepEqual(f.searchMap(r), match) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore[P]) Insert(_ context.Context, _ sqlx.ExtContext, rec P) (int32, error) {
	if f.failInsert != nil {
		return 0, f.failInsert
	}
	f.inserts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if err := rec.SetID(f.nextID); err != nil {
		return 0, err
	}
	f.rows = append(f.rows, rec)
	return f.nextID, nil
}

func (f *fakeStore[P]) Delete(_ context.Context, _ sqlx.ExtContext, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.GetID() == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("row %d: %w", id, database.ErrNotFound)
}

func (f *fakeStore[P]) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func pluginStore() *fakeStore[*types.Plugin] {
	return &fakeStore[*types.Plugin]{
		naturalKey: func(p *types.Plugin) interface{} {
			h, _ := p.Hash.Get()
			return h[:]
		},
	}
}

func hostStore() *fakeStore[*types.ScanHost] {
	return &fakeStore[*types.ScanHost]{
		searchMap: func(h *types.ScanHost) map[string]interface{} { return h.SearchMap() },
	}
}

func statusStore() *fakeStore[*types.ScanStatus] {
	return &fakeStore[*types.ScanStatus]{
		naturalKey: func(s *types.ScanStatus) interface{} { return s.Value },
	}
}
