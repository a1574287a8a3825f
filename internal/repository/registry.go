// Package repository assembles the persistence access for every record type.
//
// A Registry is built once at startup and handed to the jobs that need it.
// Lookups (Statuses, Plugins, Hosts) hold process-wide caches and must only
// be used from write tasks, on the task's Session. Plain Daos may also be
// read from on Store().DB().
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/lookup"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

var (
	ScanStatusTable = database.Table{
		Name:       "scan_status",
		Columns:    []string{"value"},
		NaturalKey: "value",
	}
	PluginTable = database.Table{
		Name:       "plugin",
		Columns:    []string{"hash", "plugin_id", "name", "family", "severity", "risk_factor", "synopsis"},
		NaturalKey: "hash",
	}
	ScanTable = database.Table{
		Name:       "scan",
		Columns:    []string{"uuid", "name", "status_id", "last_modification_date"},
		NaturalKey: "id",
		AssignedID: true,
	}
	ScanResponseTable = database.Table{
		Name:       "scan_response",
		Columns:    []string{"scan_start", "scan_end", "timestamp", "host_count"},
		NaturalKey: "id",
		AssignedID: true,
	}
	ScanHostTable = database.Table{
		Name:            "scan_host",
		Columns:         []string{"scan_id", "host_id", "hostname", "critical", "high", "medium", "low", "info"},
		ConflictColumns: []string{"scan_id", "host_id"},
	}
	HostVulnerabilityTable = database.Table{
		Name:            "host_vulnerability",
		Columns:         []string{"scan_host_id", "plugin_id", "severity", "count"},
		ConflictColumns: []string{"scan_host_id", "plugin_id"},
	}
	HostOutputTable = database.Table{
		Name:       "host_output",
		Columns:    []string{"scan_timestamp", "output_timestamp", "filename"},
		NaturalKey: "id",
		AssignedID: true,
	}
)

// Registry is the explicit replacement for a global type-to-persistence map.
type Registry struct {
	store *database.Store

	Statuses *lookup.StringLookup[types.ScanStatus, *types.ScanStatus]
	Plugins  *lookup.HashLookup[*types.Plugin]
	Hosts    *lookup.MapLookup[*types.ScanHost]

	Scans         *database.Dao[types.Scan, *types.Scan]
	ScanResponses *database.Dao[types.ScanResponse, *types.ScanResponse]
	HostVulns     *database.Dao[types.HostVulnerability, *types.HostVulnerability]
	HostOutputs   *database.Dao[types.HostOutput, *types.HostOutput]
	scanHosts     *database.Dao[types.ScanHost, *types.ScanHost]
}

// New wires a Registry over store. Lookup-table caches (scan statuses) are
// bounded by cfg.LookupSize; entity caches are not.
func New(store *database.Store, cfg config.CacheConfig, tel core.Telemetry, log *logger.Logger) (*Registry, error) {
	log = log.WithComponent("repository")
	dlog := store.Logger()

	r := &Registry{
		store:         store,
		Scans:         database.NewDao[types.Scan](ScanTable, dlog),
		ScanResponses: database.NewDao[types.ScanResponse](ScanResponseTable, dlog),
		HostVulns:     database.NewDao[types.HostVulnerability](HostVulnerabilityTable, dlog),
		HostOutputs:   database.NewDao[types.HostOutput](HostOutputTable, dlog),
		scanHosts:     database.NewDao[types.ScanHost](ScanHostTable, dlog),
	}

	var err error
	r.Statuses, err = lookup.NewStringLookup[types.ScanStatus](
		database.NewDao[types.ScanStatus](ScanStatusTable, dlog),
		lookup.Config{Name: "scan_status", CacheSize: cfg.LookupSize, Telemetry: tel, Logger: log},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build scan status lookup: %w", err)
	}
	r.Plugins, err = lookup.NewHashLookup[*types.Plugin](
		database.NewDao[types.Plugin](PluginTable, dlog),
		lookup.Config{Name: "plugin", Telemetry: tel, Logger: log},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build plugin lookup: %w", err)
	}
	r.Hosts, err = lookup.NewMapLookup[*types.ScanHost](
		r.scanHosts,
		lookup.Config{Name: "scan_host", Telemetry: tel, Logger: log},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build scan host lookup: %w", err)
	}

	return r, nil
}

func (r *Registry) Store() *database.Store {
	return r.store
}

// Session runs fn in one write session.
func (r *Registry) Session(ctx context.Context, fn func(*database.Session) error) error {
	return r.store.WithSession(ctx, fn)
}

// SaveScan binds the scan's status through the status lookup and upserts the
// scan row by its natural id.
func (r *Registry) SaveScan(ctx context.Context, sess *database.Session, scan *types.Scan, status string) error {
	st, err := r.Statuses.GetOrCreate(ctx, sess, status)
	if err != nil {
		return err
	}
	scan.Status = st
	scan.StatusID = nil
	if st != nil {
		id := st.GetID()
		scan.StatusID = &id
	}
	if _, err := r.Scans.Upsert(ctx, sess, scan); err != nil {
		return err
	}
	return nil
}

// SaveHost resolves host to its canonical instance through the host lookup
// and writes the reconciled summary counts back to its row.
func (r *Registry) SaveHost(ctx context.Context, sess *database.Session, host *types.ScanHost) (*types.ScanHost, error) {
	canonical, err := r.Hosts.GetOrCreate(ctx, sess, host)
	if err != nil {
		return nil, err
	}
	if canonical != host {
		if err := r.scanHosts.Update(ctx, sess, canonical); err != nil {
			return nil, err
		}
	}
	return canonical, nil
}

// LoadScan reads a scan and its stored detail without a session. A missing
// detail is returned as nil.
func (r *Registry) LoadScan(ctx context.Context, id int32) (*types.Scan, *types.ScanResponse, error) {
	db := r.store.DB()
	scan, err := r.Scans.LoadByKey(ctx, db, id)
	if err != nil {
		return nil, nil, err
	}
	detail, err := r.ScanResponses.LoadByKey(ctx, db, id)
	if err != nil && !isNotFound(err) {
		return nil, nil, err
	}
	return scan, detail, nil
}

// HostsForScan lists the stored hosts of a scan without a session.
func (r *Registry) HostsForScan(ctx context.Context, scanID int32) ([]*types.ScanHost, error) {
	return r.scanHosts.QueryByEqualityMap(ctx, r.store.DB(), map[string]interface{}{"scan_id": scanID})
}

// OutputCurrent reports whether the host's output row refers to the scan
// timestamp ts, within tolerance.
func (r *Registry) OutputCurrent(ctx context.Context, scanHostID int32, ts *time.Time, tolerance time.Duration) (bool, error) {
	out, err := r.HostOutputs.LoadByKey(ctx, r.store.DB(), scanHostID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return SameInstant(out.ScanTimestamp, ts, tolerance), nil
}

// SameInstant compares two optional timestamps within tolerance. Two nils
// are equal.
func SameInstant(a, b *time.Time, tolerance time.Duration) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
