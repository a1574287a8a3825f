package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/types"
)

// ErrNotFound is returned when a keyed load or update matches no row.
var ErrNotFound = errors.New("record not found")

// Table describes how a record type maps onto its table.
type Table struct {
	Name string
	// Columns lists every column except id.
	Columns []string
	// NaturalKey is the unique column LoadByNaturalKey searches.
	NaturalKey string
	// AssignedID means the id is supplied by the caller (a natural id or the
	// id of a parent row) rather than generated by the store.
	AssignedID bool
	// ConflictColumns is the unique key Upsert resolves against. Defaults to
	// id for AssignedID tables.
	ConflictColumns []string
}

// Dao is the persistence access for one record type. Every method takes the
// querier to run on: the Store's pool for reads, or a Session inside a write
// task.
type Dao[T any, P interface {
	*T
	types.Identified
}] struct {
	table   Table
	allowed map[string]bool
	log     *logger.Logger
}

func NewDao[T any, P interface {
	*T
	types.Identified
}](table Table, log *logger.Logger) *Dao[T, P] {
	allowed := map[string]bool{"id": true}
	for _, c := range table.Columns {
		allowed[c] = true
	}
	if table.AssignedID && len(table.ConflictColumns) == 0 {
		table.ConflictColumns = []string{"id"}
	}
	return &Dao[T, P]{table: table, allowed: allowed, log: log}
}

func (d *Dao[T, P]) Table() string {
	return d.table.Name
}

func (d *Dao[T, P]) observe(ctx context.Context, op string, rows int64, start time.Time, err error) {
	log := logger.FromContextOr(ctx, d.log)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.LogError(ctx, err, "database."+op, "table", d.table.Name)
		return
	}
	log.LogDatabaseOperation(ctx, op, d.table.Name, rows, time.Since(start))
}

func (d *Dao[T, P]) get(ctx context.Context, q sqlx.ExtContext, op, query string, args ...interface{}) (P, error) {
	start := time.Now()
	rec := P(new(T))
	err := sqlx.GetContext(ctx, q, rec, q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	d.observe(ctx, op, 1, start, err)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load %s: %w", d.table.Name, err)
	}
	return rec, nil
}

// LoadByKey loads the row with the given id.
func (d *Dao[T, P]) LoadByKey(ctx context.Context, q sqlx.ExtContext, id int32) (P, error) {
	return d.get(ctx, q, "LoadByKey",
		fmt.Sprintf("SELECT * FROM %s WHERE id = ?", d.table.Name), id)
}

// LoadByNaturalKey loads the row whose natural key column equals key.
func (d *Dao[T, P]) LoadByNaturalKey(ctx context.Context, q sqlx.ExtContext, key interface{}) (P, error) {
	if d.table.NaturalKey == "" {
		return nil, fmt.Errorf("table %s has no natural key", d.table.Name)
	}
	return d.get(ctx, q, "LoadByNaturalKey",
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", d.table.Name, d.table.NaturalKey), key)
}

// QueryByEqualityMap returns every row whose columns equal the values in
// match. A nil value matches NULL.
func (d *Dao[T, P]) QueryByEqualityMap(ctx context.Context, q sqlx.ExtContext, match map[string]interface{}) ([]P, error) {
	if len(match) == 0 {
		return nil, fmt.Errorf("empty search map for %s", d.table.Name)
	}

	keys := make([]string, 0, len(match))
	for k := range match {
		if !d.allowed[k] {
			return nil, fmt.Errorf("unknown column %q for %s", k, d.table.Name)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if match[k] == nil {
			preds = append(preds, k+" IS NULL")
			continue
		}
		preds = append(preds, k+" = ?")
		args = append(args, match[k])
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY id", d.table.Name, strings.Join(preds, " AND "))

	start := time.Now()
	var rows []P
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...)
	d.observe(ctx, "QueryByEqualityMap", int64(len(rows)), start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.table.Name, err)
	}
	return rows, nil
}

func (d *Dao[T, P]) insertColumns() []string {
	if d.table.AssignedID {
		return append([]string{"id"}, d.table.Columns...)
	}
	return d.table.Columns
}

func named(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ":" + c
	}
	return strings.Join(out, ", ")
}

func (d *Dao[T, P]) returningID(ctx context.Context, q sqlx.ExtContext, op, query string, rec P) (int32, error) {
	start := time.Now()
	rows, err := sqlx.NamedQueryContext(ctx, q, query, rec)
	if err != nil {
		d.observe(ctx, op, 0, start, err)
		return 0, fmt.Errorf("failed to %s %s: %w", strings.ToLower(op), d.table.Name, err)
	}
	defer rows.Close()

	var id int32
	if rows.Next() {
		err = rows.Scan(&id)
	} else {
		err = rows.Err()
		if err == nil {
			err = fmt.Errorf("%s returned no id", op)
		}
	}
	d.observe(ctx, op, 1, start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to %s %s: %w", strings.ToLower(op), d.table.Name, err)
	}
	if err := rec.SetID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// Insert writes rec as a new row and assigns its id.
func (d *Dao[T, P]) Insert(ctx context.Context, q sqlx.ExtContext, rec P) (int32, error) {
	if d.table.AssignedID && rec.GetID() == 0 {
		return 0, fmt.Errorf("insert into %s requires an assigned id", d.table.Name)
	}
	cols := d.insertColumns()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		d.table.Name, strings.Join(cols, ", "), named(cols))
	return d.returningID(ctx, q, "Insert", query, rec)
}

// Upsert inserts rec or, when its conflict key already exists, overwrites the
// remaining columns. The id of the stored row is assigned to rec.
func (d *Dao[T, P]) Upsert(ctx context.Context, q sqlx.ExtContext, rec P) (int32, error) {
	if len(d.table.ConflictColumns) == 0 {
		return 0, fmt.Errorf("table %s has no conflict key", d.table.Name)
	}
	if d.table.AssignedID && rec.GetID() == 0 {
		return 0, fmt.Errorf("upsert into %s requires an assigned id", d.table.Name)
	}

	conflict := make(map[string]bool, len(d.table.ConflictColumns))
	for _, c := range d.table.ConflictColumns {
		conflict[c] = true
	}
	var sets []string
	for _, c := range d.table.Columns {
		if !conflict[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if len(sets) == 0 {
		// DO NOTHING returns no row, so touch a key column instead
		c := d.table.ConflictColumns[0]
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	cols := d.insertColumns()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING id",
		d.table.Name, strings.Join(cols, ", "), named(cols),
		strings.Join(d.table.ConflictColumns, ", "), strings.Join(sets, ", "))
	return d.returningID(ctx, q, "Upsert", query, rec)
}

// Update overwrites every column of the row with rec's id.
func (d *Dao[T, P]) Update(ctx context.Context, q sqlx.ExtContext, rec P) error {
	if rec.GetID() == 0 {
		return fmt.Errorf("update of %s requires an id", d.table.Name)
	}
	sets := make([]string, len(d.table.Columns))
	for i, c := range d.table.Columns {
		sets[i] = fmt.Sprintf("%s = :%s", c, c)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = :id", d.table.Name, strings.Join(sets, ", "))

	start := time.Now()
	res, err := sqlx.NamedExecContext(ctx, q, query, rec)
	var n int64
	if err == nil {
		n, err = res.RowsAffected()
		if err == nil && n == 0 {
			err = ErrNotFound
		}
	}
	d.observe(ctx, "Update", n, start, err)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %d: %w", d.table.Name, rec.GetID(), err)
		}
		return fmt.Errorf("failed to update %s: %w", d.table.Name, err)
	}
	return nil
}

// Delete removes the row with the given id.
func (d *Dao[T, P]) Delete(ctx context.Context, q sqlx.ExtContext, id int32) error {
	start := time.Now()
	res, err := q.ExecContext(ctx, q.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", d.table.Name)), id)
	var n int64
	if err == nil {
		n, err = res.RowsAffected()
		if err == nil && n == 0 {
			err = ErrNotFound
		}
	}
	d.observe(ctx, "Delete", n, start, err)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %d: %w", d.table.Name, id, err)
		}
		return fmt.Errorf("failed to delete from %s: %w", d.table.Name, err)
	}
	return nil
}

// Count returns the number of rows in the table.
func (d *Dao[T, P]) Count(ctx context.Context, q sqlx.ExtContext) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table.Name)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", d.table.Name, err)
	}
	return n, nil
}
