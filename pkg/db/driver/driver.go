// Package driver defines the pluggable database backends used by pkg/db.
//
// Two backends are registered by default: "django" runs on database/sql
// with lib/pq, "sqlalchemy" (alias "sa") runs on native pgx pools. Both
// expose the same positional-result API so the sharding layers above
// never see which backend is active.
package driver

import (
	"context"
	"errors"

	"github.com/Sendhub/sh-util/pkg/settings"
)

var (
	// ErrUnknownConnection is returned for connection names absent from
	// the configured database map.
	ErrUnknownConnection = errors.New("unknown database connection")
	// ErrNoTransaction is returned by Commit/Rollback without a Begin.
	ErrNoTransaction = errors.New("no transaction in progress")
	// ErrTransactionOpen is returned by Begin when the named connection
	// already has an uncommitted transaction.
	ErrTransactionOpen = errors.New("transaction already in progress")
)

// Factory builds a Driver from the configured databases.
type Factory func(databases map[string]settings.Database) (Driver, error)

// Driver is a connection-name addressed SQL executor. Implementations
// hold one pool per configured database and route statements by the
// `using` argument. While a transaction is open on a name, Query and
// Exec for that name run inside it.
type Driver interface {
	// Names returns the configured connection names in sorted order.
	Names() []string

	// Query runs a statement that returns rows.
	Query(ctx context.Context, using, sql string, args ...any) (*Rows, error)

	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, using, sql string, args ...any) (int64, error)

	// Begin opens a transaction on the named connection.
	Begin(ctx context.Context, using string) error

	// Commit commits the open transaction on the named connection.
	Commit(ctx context.Context, using string) error

	// Rollback aborts the open transaction on the named connection.
	Rollback(ctx context.Context, using string) error

	// Close releases all pools. Open transactions are rolled back.
	Close() error
}

// Rows is a driver-independent result set. Values holds one slice per
// row, positionally matching Columns.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Dicts returns every row as a column-keyed map.
func (r *Rows) Dicts() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.Values))
	for _, row := range r.Values {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			m[col] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// normalizeValue maps driver-native scan results onto the small set of
// types the layers above expect. Text arrives as string regardless of
// backend.
func normalizeValue(v any) any {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	default:
		return v
	}
}

// withDetail re-attaches the server's DETAIL line to a constraint
// error's text. The migration repair layer recognizes error classes by
// that line, and neither database/sql nor pgx includes it in Error().
type withDetail struct {
	err    error
	detail string
}

func (e *withDetail) Error() string { return e.err.Error() + " DETAIL: " + e.detail }

func (e *withDetail) Unwrap() error { return e.err }
