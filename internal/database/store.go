package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

// Store owns the connection pool. Reads may run on it from any goroutine;
// writes go through WithSession from the writer lane.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// Open connects without touching the schema.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	log = log.WithComponent("database")

	ctx, span := log.StartOperation(context.Background(), "database.Open",
		"driver", cfg.Driver,
		"dsn_masked", config.MaskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	var err error
	start := time.Now()
	defer func() {
		log.FinishOperation(ctx, span, "database.Open", start, err)
	}()

	if _, err = dialectFor(cfg.Driver); err != nil {
		return nil, err
	}

	var db *sqlx.DB
	db, err = sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// sqlite allows a single writer; an in-memory database also lives
		// and dies with its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log.WithContext(ctx).Infow("Database connection established",
		"driver", cfg.Driver,
		"max_connections", cfg.MaxConnections,
	)

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// NewStore connects and applies pending migrations.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	store, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}

	runner, err := NewMigrationRunner(store.db, store.logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	start := time.Now()
	if err := runner.RunMigrations(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	store.logger.LogDuration(context.Background(), "database.Migrate", start, "driver", cfg.Driver)

	return store, nil
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.cfg.Driver
}

func (s *Store) Logger() *logger.Logger {
	return s.logger
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithSession runs fn inside one transaction. The transaction is committed
// when fn returns nil and rolled back otherwise, including on panic, in which
// case the panic is re-raised after the rollback hooks have run.
func (s *Store) WithSession(ctx context.Context, fn func(*Session) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	sess := &Session{Tx: tx}

	defer func() {
		if r := recover(); r != nil {
			sess.rollback()
			panic(r)
		}
	}()

	if err = fn(sess); err != nil {
		if rbErr := sess.rollback(); rbErr != nil {
			s.logger.LogError(ctx, rbErr, "database.Rollback")
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		sess.runHooks()
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}
