// Package db implements sharded-PostgreSQL operations: cross-shard
// queries over dblink, schema reflection, static-table replication and
// user-data migration between shards.
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sendhub/sh-util/pkg/db/driver"
	"github.com/Sendhub/sh-util/pkg/settings"
)

// DB wraps a driver with the connection map and the reflection caches
// the sharding operations need. Optional collaborators for failure
// mail, cache flushes, backups and shard events are injected with the
// Set* methods; operations degrade to logging when they are absent.
type DB struct {
	drv driver.Driver
	cfg *settings.Settings

	mailer  Mailer
	cache   CacheFlusher
	storage BackupStore
	events  EventPublisher

	// Optional throttle for bulk statement execution.
	limiter *rate.Limiter

	mu      sync.Mutex
	catalog map[string]*catalogEntry
}

// catalogEntry memoizes one reflected catalog fact per connection.
type catalogEntry struct {
	value   any
	expires time.Time
}

// catalogTTL bounds how long reflected schema facts are reused.
const catalogTTL = 5 * time.Minute

// Open builds a DB from settings, selecting the backend named by
// SH_UTIL_DB_DRIVER through the driver registry.
func Open(cfg *settings.Settings) (*DB, error) {
	factory, err := driver.DefaultRegistry().Lookup(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	drv, err := factory(cfg.Databases)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s driver: %w", cfg.DBDriver, err)
	}
	return New(drv, cfg), nil
}

// New builds a DB around an existing driver. Tests use this to inject
// fakes.
func New(drv driver.Driver, cfg *settings.Settings) *DB {
	db := &DB{
		drv:     drv,
		cfg:     cfg,
		catalog: make(map[string]*catalogEntry),
	}
	if cfg.CopyStatementsPerSecond > 0 {
		db.limiter = rate.NewLimiter(rate.Limit(cfg.CopyStatementsPerSecond), 1)
	}
	return db
}

// Settings returns the configuration the DB was opened with.
func (db *DB) Settings() *settings.Settings {
	return db.cfg
}

// Connections returns all configured connection names in sorted order.
func (db *DB) Connections() []string {
	names := db.drv.Names()
	sort.Strings(names)
	return names
}

// PsqlConnectionString renders the key=value connection string for a
// named connection, in the form dblink accepts.
func (db *DB) PsqlConnectionString(using string) (string, error) {
	cfg, ok := db.cfg.Databases[using]
	if !ok {
		return "", fmt.Errorf("%w: %s", driver.ErrUnknownConnection, using)
	}
	return cfg.ConnectionString(), nil
}

// Query runs a statement that returns rows on the named connection.
func (db *DB) Query(ctx context.Context, using, sql string, args ...any) (*driver.Rows, error) {
	db.debugf(using, sql, args)
	return db.drv.Query(ctx, using, sql, args...)
}

// QueryDict runs a query and returns the rows as column-keyed maps.
func (db *DB) QueryDict(ctx context.Context, using, sql string, args ...any) ([]map[string]any, error) {
	rows, err := db.Query(ctx, using, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows.Dicts(), nil
}

// queryValue runs a query expected to yield at least one row and
// returns the first column of the first row.
func (db *DB) queryValue(ctx context.Context, using, sql string, args ...any) (any, error) {
	rows, err := db.Query(ctx, using, sql, args...)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 || len(rows.Values[0]) == 0 {
		return nil, fmt.Errorf("query returned no rows on %s: %s", using, sql)
	}
	return rows.Values[0][0], nil
}

// queryInt64 is queryValue coerced to int64.
func (db *DB) queryInt64(ctx context.Context, using, sql string, args ...any) (int64, error) {
	v, err := db.queryValue(ctx, using, sql, args...)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// Exec runs a statement on the named connection and returns the number
// of affected rows.
func (db *DB) Exec(ctx context.Context, using, sql string, args ...any) (int64, error) {
	db.debugf(using, sql, args)
	return db.drv.Exec(ctx, using, sql, args...)
}

// execStatement routes one statement of a prepared dump script. The
// scripts carry literal transaction-control statements; those must run
// through the driver's transaction methods or pooled connections would
// end up with orphaned transactions.
func (db *DB) execStatement(ctx context.Context, using, statement string) error {
	switch strings.ToUpper(strings.TrimRight(strings.TrimSpace(statement), ";")) {
	case "BEGIN":
		return db.Begin(ctx, using)
	case "COMMIT":
		return db.Commit(ctx, using)
	case "ROLLBACK":
		return db.Rollback(ctx, using)
	}
	_, err := db.Exec(ctx, using, statement)
	return err
}

// Begin opens a transaction on the named connection. Until Commit or
// Rollback, statements for that name run inside it.
func (db *DB) Begin(ctx context.Context, using string) error {
	db.debugf(using, "BEGIN", nil)
	return db.drv.Begin(ctx, using)
}

// Commit commits the open transaction on the named connection.
func (db *DB) Commit(ctx context.Context, using string) error {
	db.debugf(using, "COMMIT", nil)
	return db.drv.Commit(ctx, using)
}

// Rollback aborts the open transaction on the named connection.
func (db *DB) Rollback(ctx context.Context, using string) error {
	db.debugf(using, "ROLLBACK", nil)
	return db.drv.Rollback(ctx, using)
}

// resetConnection rolls back any open transaction on the named
// connection, tolerating the case where none is in progress.
func (db *DB) resetConnection(ctx context.Context, using string) error {
	err := db.Rollback(ctx, using)
	if err != nil && !errors.Is(err, driver.ErrNoTransaction) {
		return err
	}
	return nil
}

// throttle blocks until the copy-statement rate limiter admits one more
// statement. A nil limiter admits everything.
func (db *DB) throttle(ctx context.Context) error {
	if db.limiter == nil {
		return nil
	}
	return db.limiter.Wait(ctx)
}

// Close releases all pools.
func (db *DB) Close() error {
	return db.drv.Close()
}

func (db *DB) debugf(using, sql string, args []any) {
	if !db.cfg.Debug {
		return
	}
	if len(args) > 0 {
		log.Printf("[db] using=%s sql=%s args=%v", using, sql, args)
	} else {
		log.Printf("[db] using=%s sql=%s", using, sql)
	}
}

// cachedCatalog returns the memoized value for key, invoking fill on
// miss or expiry. Reflection queries are repeated constantly by the
// distributed-query builder, so these facts are cached per connection.
func (db *DB) cachedCatalog(key string, fill func() (any, error)) (any, error) {
	db.mu.Lock()
	entry, ok := db.catalog[key]
	if ok && time.Now().Before(entry.expires) {
		db.mu.Unlock()
		return entry.value, nil
	}
	db.mu.Unlock()

	value, err := fill()
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.catalog[key] = &catalogEntry{value: value, expires: time.Now().Add(catalogTTL)}
	db.mu.Unlock()
	return value, nil
}

// InvalidateCatalog drops all memoized schema facts, forcing the next
// reflection call to hit the database. Call after DDL changes.
func (db *DB) InvalidateCatalog() {
	db.mu.Lock()
	db.catalog = make(map[string]*catalogEntry)
	db.mu.Unlock()
}
