// Package store opens the slot and swap store selected by STORE_DRIVER.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/HammerMeetNail/slotswap/internal/config"
	"github.com/HammerMeetNail/slotswap/internal/database"
	"github.com/HammerMeetNail/slotswap/internal/store/memory"
	"github.com/HammerMeetNail/slotswap/internal/store/postgres"
	"github.com/HammerMeetNail/slotswap/internal/store/sqlite"
	"github.com/HammerMeetNail/slotswap/internal/swap"
	"github.com/HammerMeetNail/slotswap/migrations"
)

// Backend is an opened store plus what it takes to check and release it.
type Backend struct {
	Driver string
	Store  swap.Store
	health func(ctx context.Context) error
	close  func() error
}

// Open builds the backend for cfg.Store.Driver. pg is only used, and then
// required, by the postgres driver.
func Open(cfg *config.Config, pg database.DB, pgHealth func(ctx context.Context) error) (*Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if pg == nil {
			return nil, errors.New("postgres store requires a database connection")
		}
		return &Backend{Driver: cfg.Store.Driver, Store: postgres.New(pg), health: pgHealth}, nil

	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := MigrateSQLite(db); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &Backend{Driver: cfg.Store.Driver, Store: sqlite.New(db), health: db.PingContext, close: db.Close}, nil

	case config.DriverMemory:
		return &Backend{Driver: cfg.Store.Driver, Store: memory.New()}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Transactional reports whether the store can run engine writes atomically.
func (b *Backend) Transactional() bool {
	_, ok := b.Store.(swap.TxRunner)
	return ok
}

func (b *Backend) Health(ctx context.Context) error {
	if b.health == nil {
		return nil
	}
	return b.health(ctx)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// PostgresMigrator reads migrations from MIGRATIONS_PATH when set and from
// the embedded schema otherwise.
func PostgresMigrator(cfg *config.Config) (*database.Migrator, error) {
	if cfg.Store.MigrationsPath != "" {
		return database.NewMigrator(cfg.Database.DSN(), cfg.Store.MigrationsPath)
	}
	return database.NewEmbeddedMigrator(cfg.Database.DSN(), migrations.FS, migrations.PostgresDir)
}

// SQLiteMigrator migrates db with the embedded SQLite schema.
func SQLiteMigrator(db *sql.DB) (*database.Migrator, error) {
	return database.NewSQLiteMigrator(db, migrations.FS, migrations.SQLiteDir)
}

// MigrateSQLite applies the embedded SQLite schema to db.
func MigrateSQLite(db *sql.DB) error {
	m, err := SQLiteMigrator(db)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
