package database

import (
	"fmt"
	"strings"
)

// dialect renders the few DDL fragments that differ between the supported
// drivers. Queries themselves are written with ? and passed through Rebind.
type dialect struct {
	name    string
	serial  string
	natural string
	bytes   string
	time    string
}

var dialects = map[string]dialect{
	"postgres": {
		name:    "postgres",
		serial:  "SERIAL PRIMARY KEY",
		natural: "INTEGER PRIMARY KEY",
		bytes:   "BYTEA",
		time:    "TIMESTAMPTZ",
	},
	"sqlite3": {
		name:    "sqlite3",
		serial:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		natural: "INTEGER PRIMARY KEY",
		bytes:   "BLOB",
		time:    "TIMESTAMP",
	},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

func (d dialect) render(ddl string) string {
	return strings.NewReplacer(
		"{{serial}}", d.serial,
		"{{natural}}", d.natural,
		"{{bytes}}", d.bytes,
		"{{timestamp}}", d.time,
	).Replace(ddl)
}

func (d dialect) tableExistsQuery() string {
	if d.name == "sqlite3" {
		return "SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	return "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = ?)"
}
