package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// MigrateSchema applies every pending schema migration from
// migrationsPath to the named connection. A connection already at the
// newest version is left alone.
func (db *DB) MigrateSchema(migrationsPath, using string) error {
	dsn, err := db.PsqlConnectionString(using)
	if err != nil {
		return err
	}

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s for migration: %w", using, err)
	}
	defer conn.Close()

	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver for %s: %w", using, err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator for %s: %w", using, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed on %s: %w", using, err)
	}
	log.Printf("[db] schema migrations up to date on %s", using)
	return nil
}

// MigrateSchemaEverywhere applies migrations to every shard connection.
func (db *DB) MigrateSchemaEverywhere(migrationsPath string) error {
	for _, using := range db.cfg.ShardConnectionNames() {
		if err := db.MigrateSchema(migrationsPath, using); err != nil {
			return err
		}
	}
	return nil
}
