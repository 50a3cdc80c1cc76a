// Package opsdb is the parser's view of the operations database: IO
// mapping rows, the command outbox/sent tables, and the POI reference
// layer. The operations service owns the data; this process reads
// mappings and POIs and flips command statuses.
package opsdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Pool sizing. Readers are the mapping cache and POI lookups; writers are
// the command manager. SQLite serialises writes anyway, so a modest pool
// with a little headroom is plenty.
const (
	defaultMaxOpenConns = 15
	overflowConns       = 5
)

// DB wraps the operations database handle.
type DB struct {
	*sql.DB
}

// Open connects to the SQLite database at path and applies any pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ops db: %w", err)
	}
	sqlDB.SetMaxOpenConns(defaultMaxOpenConns + overflowConns)
	sqlDB.SetMaxIdleConns(defaultMaxOpenConns)

	if _, err := sqlDB.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	db := &DB{sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies the embedded migrations. Already-current databases
// are a no-op.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	// Closing m would close the shared DB handle; let it be collected.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
