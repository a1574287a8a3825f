// Package dbtest provides migrated stores for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
)

// SQLite returns a migrated in-memory store that is closed with the test.
func SQLite(t testing.TB) *database.Store {
	t.Helper()

	store, err := database.NewStore(config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Postgres starts a PostgreSQL testcontainer and returns a migrated store.
// It skips in -short mode.
func Postgres(t testing.TB) *database.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vulnpull_test"),
		postgres.WithUsername("vulnpull_test"),
		postgres.WithPassword("vulnpull_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	store, err := database.NewStore(config.DatabaseConfig{
		Driver:         "postgres",
		DSN:            connStr,
		MaxConnections: 5,
		MaxIdleConns:   2,
	}, logger.NewNop())
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create database: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})
	return store
}
