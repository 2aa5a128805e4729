package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// OpenPostgres connects to dsn, applies pending migrations and returns a
// store that speaks the postgres placeholder dialect.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := MigratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: dialectPostgres}, nil
}

func newPostgresMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// MigratePostgres applies every pending up migration. A dirty schema is
// reported and left for manual repair.
func MigratePostgres(db *sql.DB) error {
	m, err := newPostgresMigrator(db)
	if err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d)", version)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Uint("version", version).Msg("database schema up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}
	newVersion, _, _ := m.Version()
	if newVersion != version {
		log.Info().Uint("from", version).Uint("to", newVersion).Msg("database migrated")
	}
	return nil
}

// PostgresMigrationVersion reports the applied schema version.
func PostgresMigrationVersion(db *sql.DB) (uint, bool, error) {
	m, err := newPostgresMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// RollbackPostgres reverts steps migrations, or all of them when steps is 0.
func RollbackPostgres(db *sql.DB, steps int) error {
	m, err := newPostgresMigrator(db)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// ForcePostgresVersion clears a dirty flag after a manual repair.
func ForcePostgresVersion(db *sql.DB, version int) error {
	m, err := newPostgresMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}
