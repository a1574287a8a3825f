package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

// Migration represents a single database migration. Up and Down may use the
// {{serial}}, {{natural}}, {{bytes}} and {{timestamp}} placeholders.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db      *sqlx.DB
	log     *logger.Logger
	dialect dialect
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) (*MigrationRunner, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	return &MigrationRunner{
		db:      db,
		log:     log,
		dialect: d,
	}, nil
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create scan_status and plugin lookup tables",
			Up: `
				CREATE TABLE IF NOT EXISTS scan_status (
					id {{serial}},
					value TEXT NOT NULL UNIQUE
				);
				CREATE TABLE IF NOT EXISTS plugin (
					id {{serial}},
					hash {{bytes}} NOT NULL UNIQUE,
					plugin_id INTEGER NOT NULL,
					name TEXT NOT NULL,
					family TEXT NOT NULL,
					severity INTEGER NOT NULL,
					risk_factor TEXT NOT NULL DEFAULT '',
					synopsis TEXT NOT NULL DEFAULT ''
				);
				CREATE INDEX IF NOT EXISTS idx_plugin_plugin_id ON plugin(plugin_id);
			`,
			Down: `
				DROP TABLE IF EXISTS plugin;
				DROP TABLE IF EXISTS scan_status;
			`,
		},
		{
			Version:     2,
			Description: "Create scan and scan_response tables",
			Up: `
				CREATE TABLE IF NOT EXISTS scan (
					id {{natural}},
					uuid TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL DEFAULT '',
					status_id INTEGER REFERENCES scan_status(id),
					last_modification_date {{timestamp}}
				);
				CREATE TABLE IF NOT EXISTS scan_response (
					id {{natural}} REFERENCES scan(id) ON DELETE CASCADE,
					scan_start {{timestamp}},
					scan_end {{timestamp}},
					timestamp {{timestamp}},
					host_count INTEGER NOT NULL DEFAULT 0
				);
			`,
			Down: `
				DROP TABLE IF EXISTS scan_response;
				DROP TABLE IF EXISTS scan;
			`,
		},
		{
			Version:     3,
			Description: "Create scan_host, host_vulnerability and host_output tables",
			Up: `
				CREATE TABLE IF NOT EXISTS scan_host (
					id {{serial}},
					scan_id INTEGER NOT NULL REFERENCES scan(id) ON DELETE CASCADE,
					host_id INTEGER NOT NULL,
					hostname TEXT NOT NULL DEFAULT '',
					critical INTEGER NOT NULL DEFAULT 0,
					high INTEGER NOT NULL DEFAULT 0,
					medium INTEGER NOT NULL DEFAULT 0,
					low INTEGER NOT NULL DEFAULT 0,
					info INTEGER NOT NULL DEFAULT 0,
					UNIQUE (scan_id, host_id)
				);
				CREATE TABLE IF NOT EXISTS host_vulnerability (
					id {{serial}},
					scan_host_id INTEGER NOT NULL REFERENCES scan_host(id) ON DELETE CASCADE,
					plugin_id INTEGER NOT NULL REFERENCES plugin(id),
					severity INTEGER NOT NULL,
					count INTEGER NOT NULL DEFAULT 0,
					UNIQUE (scan_host_id, plugin_id)
				);
				CREATE TABLE IF NOT EXISTS host_output (
					id {{natural}} REFERENCES scan_host(id) ON DELETE CASCADE,
					scan_timestamp {{timestamp}},
					output_timestamp {{timestamp}},
					filename TEXT NOT NULL DEFAULT ''
				);
				CREATE INDEX IF NOT EXISTS idx_scan_host_scan_id ON scan_host(scan_id);
			`,
			Down: `
				DROP TABLE IF EXISTS host_output;
				DROP TABLE IF EXISTS host_vulnerability;
				DROP TABLE IF EXISTS scan_host;
			`,
		},
	}
}

func checksum(m Migration) string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:8])
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist
func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`

	if _, err := mr.db.ExecContext(ctx, mr.dialect.render(query)); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// getAppliedMigrations returns a map of applied migration versions
func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	return applied, nil
}

func sortedMigrations() []Migration {
	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})
	return all
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	mr.log.Infow("Starting database migration check",
		"component", "migrations",
		"driver", mr.dialect.name,
	)

	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	allMigrations := sortedMigrations()

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	if pendingCount == 0 {
		mr.log.Infow("Database schema is up to date",
			"component", "migrations",
			"latest_version", allMigrations[len(allMigrations)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Found pending migrations",
		"component", "migrations",
		"pending_count", pendingCount,
	)

	for _, migration := range allMigrations {
		if appliedMigrations[migration.Version] {
			continue
		}

		if err := mr.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully",
		"component", "migrations",
		"migrations_applied", pendingCount,
	)

	return nil
}

// applyMigration applies a single migration
func (mr *MigrationRunner) applyMigration(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mr.dialect.render(migration.Up)); err != nil {
		mr.log.Errorw("Migration failed",
			"component", "migrations",
			"version", migration.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	recordQuery := tx.Rebind(`
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, recordQuery, migration.Version, migration.Description, time.Now().UTC(), checksum(migration)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	mr.log.Infow("Migration applied successfully",
		"component", "migrations",
		"version", migration.Version,
	)

	return nil
}

// GetMigrationStatus returns the current migration status
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (map[string]interface{}, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	allMigrations := sortedMigrations()
	latestVersion := 0
	if len(allMigrations) > 0 {
		latestVersion = allMigrations[len(allMigrations)-1].Version
	}

	appliedVersion := 0
	for version := range appliedMigrations {
		if version > appliedVersion {
			appliedVersion = version
		}
	}

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	return map[string]interface{}{
		"current_version": appliedVersion,
		"latest_version":  latestVersion,
		"pending_count":   pendingCount,
		"is_up_to_date":   pendingCount == 0,
		"applied_count":   len(appliedMigrations),
		"available_count": len(allMigrations),
	}, nil
}

// RollbackMigration rolls back one applied migration
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	mr.log.Warnw("Rolling back migration",
		"component", "migrations",
		"version", version,
	)

	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}

	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mr.dialect.render(migration.Down)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	mr.log.Infow("Migration rolled back successfully",
		"component", "migrations",
		"version", version,
	)

	return nil
}

// CheckTableExists checks if a table exists
func CheckTableExists(ctx context.Context, db *sqlx.DB, tableName string) (bool, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return false, err
	}

	var exists bool
	if err := db.GetContext(ctx, &exists, db.Rebind(d.tableExistsQuery()), tableName); err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}

	return exists, nil
}
