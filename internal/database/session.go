package database

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Session is a pinned transaction leased for one block of related store
// operations. Code that caches rows written inside the session registers an
// OnRollback hook so the cache forgets them if the transaction is abandoned.
type Session struct {
	*sqlx.Tx

	mu    sync.Mutex
	hooks []func()
}

// OnRollback registers fn to run if the session does not commit. Hooks run
// in reverse registration order.
func (s *Session) OnRollback(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Session) rollback() error {
	err := s.Tx.Rollback()
	s.runHooks()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (s *Session) runHooks() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
