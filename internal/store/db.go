// Package store opens the SQL backend shared by the history and chronicle
// stores and applies embedded schema migrations.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ambitchat/ambit/internal/config"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Open connects to the configured backend and runs pending migrations.
// Placeholders throughout the stores use $1-style, which both the pgx
// stdlib driver and modernc sqlite accept.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var db *sql.DB
	var err error
	switch driver {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database.path required for the sqlite driver")
		}
		db, err = sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
		if err == nil {
			// modernc sqlite serializes internally; one connection avoids
			// SQLITE_BUSY on concurrent writers.
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("AMBIT_POSTGRES_DSN required for the postgres driver")
		}
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies pending migrations for the given driver.
func Migrate(db *sql.DB, driver string) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrations for %q: %w", driver, err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		target, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("migration target: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", target)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		target, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("migration target: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", target)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	default:
		return fmt.Errorf("unknown database driver %q", driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Debug("database migrated", "driver", driver, "version", version, "dirty", dirty)
	return nil
}
