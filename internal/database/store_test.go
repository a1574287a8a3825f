package database_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database/dbtest"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

func scanDao() *database.Dao[types.Scan, *types.Scan] {
	return database.NewDao[types.Scan](database.Table{
		Name:       "scan",
		Columns:    []string{"uuid", "name", "status_id", "last_modification_date"},
		NaturalKey: "id",
		AssignedID: true,
	}, logger.NewNop())
}

func statusDao() *database.Dao[types.ScanStatus, *types.ScanStatus] {
	return database.NewDao[types.ScanStatus](database.Table{
		Name:       "scan_status",
		Columns:    []string{"value"},
		NaturalKey: "value",
	}, logger.NewNop())
}

func hostDao() *database.Dao[types.ScanHost, *types.ScanHost] {
	return database.NewDao[types.ScanHost](database.Table{
		Name:            "scan_host",
		Columns:         []string{"scan_id", "host_id", "hostname", "critical", "high", "medium", "low", "info"},
		ConflictColumns: []string{"scan_id", "host_id"},
	}, logger.NewNop())
}

func pluginDao() *database.Dao[types.Plugin, *types.Plugin] {
	return database.NewDao[types.Plugin](database.Table{
		Name:       "plugin",
		Columns:    []string{"hash", "plugin_id", "name", "family", "severity", "risk_factor", "synopsis"},
		NaturalKey: "hash",
	}, logger.NewNop())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := database.Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"}, logger.NewNop())
	assert.Error(t, err)
}

func TestMigrations(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()

	for _, table := range []string{"scan_status", "plugin", "scan", "scan_response", "scan_host", "host_vulnerability", "host_output"} {
		exists, err := database.CheckTableExists(ctx, store.DB(), table)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	runner, err := database.NewMigrationRunner(store.DB(), logger.NewNop())
	require.NoError(t, err)

	status, err := runner.GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, status["is_up_to_date"])
	assert.Equal(t, len(database.GetAllMigrations()), status["applied_count"])

	// re-running is a no-op
	require.NoError(t, runner.RunMigrations(ctx))

	latest := database.GetAllMigrations()[len(database.GetAllMigrations())-1].Version
	require.NoError(t, runner.RollbackMigration(ctx, latest))
	exists, err := database.CheckTableExists(ctx, store.DB(), "host_output")
	require.NoError(t, err)
	assert.False(t, exists)

	status, err = runner.GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status["pending_count"])

	assert.Error(t, runner.RollbackMigration(ctx, 999))
}

func TestDao_InsertAndLoad(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()
	statuses := statusDao()
	scans := scanDao()

	status := &types.ScanStatus{Value: "completed"}
	id, err := statuses.Insert(ctx, store.DB(), status)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, id, status.GetID())

	loaded, err := statuses.LoadByNaturalKey(ctx, store.DB(), "completed")
	require.NoError(t, err)
	assert.Equal(t, id, loaded.GetID())

	_, err = statuses.LoadByNaturalKey(ctx, store.DB(), "running")
	assert.ErrorIs(t, err, database.ErrNotFound)

	modified := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	scan := &types.Scan{Name: "weekly", UUID: "abc", StatusID: &id, LastModificationDate: &modified}

	_, err = scans.Insert(ctx, store.DB(), scan)
	assert.Error(t, err, "natural id tables need an id")

	require.NoError(t, scan.SetID(42))
	_, err = scans.Insert(ctx, store.DB(), scan)
	require.NoError(t, err)

	got, err := scans.LoadByKey(ctx, store.DB(), 42)
	require.NoError(t, err)
	assert.Equal(t, "weekly", got.Name)
	require.NotNil(t, got.StatusID)
	assert.Equal(t, id, *got.StatusID)
	require.NotNil(t, got.LastModificationDate)
	assert.True(t, modified.Equal(*got.LastModificationDate))
}

func TestDao_UpsertAndQueryByEqualityMap(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()
	scans := scanDao()
	hosts := hostDao()

	scan := &types.Scan{Name: "s"}
	require.NoError(t, scan.SetID(7))
	_, err := scans.Upsert(ctx, store.DB(), scan)
	require.NoError(t, err)

	first := &types.ScanHost{ScanID: 7, HostID: 1, Hostname: "a"}
	id1, err := hosts.Upsert(ctx, store.DB(), first)
	require.NoError(t, err)

	again := &types.ScanHost{ScanID: 7, HostID: 1, Hostname: "a-renamed", High: 2}
	id2, err := hosts.Upsert(ctx, store.DB(), again)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "conflict key resolves to the same row")

	rows, err := hosts.QueryByEqualityMap(ctx, store.DB(), again.SearchMap())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a-renamed", rows[0].Hostname)
	assert.Equal(t, 2, rows[0].High)

	_, err = hosts.QueryByEqualityMap(ctx, store.DB(), map[string]interface{}{"bogus": 1})
	assert.Error(t, err)

	n, err := hosts.Count(ctx, store.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDao_UpdateAndDelete(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()
	statuses := statusDao()

	s := &types.ScanStatus{Value: "paused"}
	id, err := statuses.Insert(ctx, store.DB(), s)
	require.NoError(t, err)

	require.NoError(t, statuses.Delete(ctx, store.DB(), id))
	assert.ErrorIs(t, statuses.Delete(ctx, store.DB(), id), database.ErrNotFound)

	ghost := &types.ScanStatus{Value: "ghost"}
	require.NoError(t, ghost.SetID(9999))
	assert.ErrorIs(t, statuses.Update(ctx, store.DB(), ghost), database.ErrNotFound)
}

func TestDao_PluginHashRoundTrip(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()
	plugins := pluginDao()

	p := types.NewPlugin(10180, "Ping the remote host", "Port scanners", 0)
	h, err := p.ContentHash()
	require.NoError(t, err)

	_, err = plugins.Insert(ctx, store.DB(), p)
	require.NoError(t, err)

	loaded, err := plugins.LoadByNaturalKey(ctx, store.DB(), h[:])
	require.NoError(t, err)
	got, ok := loaded.Hash.Get()
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.True(t, loaded.Match(p))
}

func TestWithSession(t *testing.T) {
	store := dbtest.SQLite(t)
	ctx := context.Background()
	statuses := statusDao()

	t.Run("commit", func(t *testing.T) {
		hookRan := false
		err := store.WithSession(ctx, func(sess *database.Session) error {
			sess.OnRollback(func() { hookRan = true })
			_, err := statuses.Insert(ctx, sess, &types.ScanStatus{Value: "imported"})
			return err
		})
		require.NoError(t, err)
		assert.False(t, hookRan)

		_, err = statuses.LoadByNaturalKey(ctx, store.DB(), "imported")
		assert.NoError(t, err)
	})

	t.Run("error rolls back and runs hooks in reverse", func(t *testing.T) {
		var order []int
		boom := errors.New("task failed")
		err := store.WithSession(ctx, func(sess *database.Session) error {
			sess.OnRollback(func() { order = append(order, 1) })
			sess.OnRollback(func() { order = append(order, 2) })
			if _, err := statuses.Insert(ctx, sess, &types.ScanStatus{Value: "discarded"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int{2, 1}, order)

		_, err = statuses.LoadByNaturalKey(ctx, store.DB(), "discarded")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("panic rolls back and propagates", func(t *testing.T) {
		hookRan := false
		assert.Panics(t, func() {
			_ = store.WithSession(ctx, func(sess *database.Session) error {
				sess.OnRollback(func() { hookRan = true })
				_, _ = statuses.Insert(ctx, sess, &types.ScanStatus{Value: "panicked"})
				panic("writer bug")
			})
		})
		assert.True(t, hookRan)

		_, err := statuses.LoadByNaturalKey(ctx, store.DB(), "panicked")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}

func TestPostgresStore(t *testing.T) {
	store := dbtest.Postgres(t)
	ctx := context.Background()
	statuses := statusDao()
	hosts := hostDao()
	scans := scanDao()

	err := store.WithSession(ctx, func(sess *database.Session) error {
		if _, err := statuses.Insert(ctx, sess, &types.ScanStatus{Value: "completed"}); err != nil {
			return err
		}
		scan := &types.Scan{Name: "pg"}
		if err := scan.SetID(3); err != nil {
			return err
		}
		if _, err := scans.Upsert(ctx, sess, scan); err != nil {
			return err
		}
		_, err := hosts.Upsert(ctx, sess, &types.ScanHost{ScanID: 3, HostID: 1, Hostname: "pg-host"})
		return err
	})
	require.NoError(t, err)

	rows, err := hosts.QueryByEqualityMap(ctx, store.DB(), map[string]interface{}{"scan_id": 3, "host_id": 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "pg-host", rows[0].Hostname)
}

func TestDao_LogsThroughContextLogger(t *testing.T) {
	store := dbtest.SQLite(t)
	path := filepath.Join(t.TempDir(), "ops.log")
	log, err := logger.New(config.LoggerConfig{Level: "debug", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	ctx := logger.WithLogger(context.Background(), log.WithJob("ScanJob", "job-7"))
	_, err = statusDao().Insert(ctx, store.DB(), &types.ScanStatus{Value: "completed"})
	require.NoError(t, err)
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"db_table":"scan_status"`)
	assert.Contains(t, string(data), `"job_id":"job-7"`)
}
