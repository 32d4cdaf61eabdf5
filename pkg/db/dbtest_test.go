package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Sendhub/sh-util/pkg/db/driver"
	"github.com/Sendhub/sh-util/pkg/settings"
)

// fakeCall is one statement routed through the fake driver.
type fakeCall struct {
	using string
	sql   string
	args  []any
}

// fakeStub answers statements whose normalized SQL contains fragment on
// the given connection ("" matches any connection). A stub marked once
// is consumed by its first match.
type fakeStub struct {
	using    string
	fragment string
	rows     *driver.Rows
	affected int64
	err      error
	once     bool
	used     bool
}

// fakeDriver is a scripted driver.Driver. Queries are answered by the
// first matching stub; unmatched queries yield an empty result set and
// unmatched statements succeed reporting one affected row.
type fakeDriver struct {
	mu      sync.Mutex
	names   []string
	queries []*fakeStub
	execs   []*fakeStub
	calls   []fakeCall
	txOpen  map[string]bool
	closed  bool
}

func newFakeDriver(names ...string) *fakeDriver {
	return &fakeDriver{names: names, txOpen: make(map[string]bool)}
}

// normalizeSQL collapses whitespace runs so stub fragments can match
// multi-line statements.
func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func (d *fakeDriver) stubQuery(using, fragment string, rows *driver.Rows) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &fakeStub{using: using, fragment: normalizeSQL(fragment), rows: rows})
}

// stubQueryOnce answers the first matching query and lets later ones
// fall through to other stubs.
func (d *fakeDriver) stubQueryOnce(using, fragment string, rows *driver.Rows) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &fakeStub{using: using, fragment: normalizeSQL(fragment), rows: rows, once: true})
}

func (d *fakeDriver) stubQueryErr(using, fragment string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &fakeStub{using: using, fragment: normalizeSQL(fragment), err: err})
}

// stubQueryErrOnce fails the first matching query and lets later ones
// fall through to other stubs.
func (d *fakeDriver) stubQueryErrOnce(using, fragment string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &fakeStub{using: using, fragment: normalizeSQL(fragment), err: err, once: true})
}

func (d *fakeDriver) stubExec(using, fragment string, affected int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, &fakeStub{using: using, fragment: normalizeSQL(fragment), affected: affected})
}

func (d *fakeDriver) stubExecErr(using, fragment string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, &fakeStub{using: using, fragment: normalizeSQL(fragment), err: err})
}

// stubExecErrOnce fails the first matching statement and lets later
// ones fall through, for exercising retry paths.
func (d *fakeDriver) stubExecErrOnce(using, fragment string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, &fakeStub{using: using, fragment: normalizeSQL(fragment), err: err, once: true})
}

func matchStub(stubs []*fakeStub, using, sql string) *fakeStub {
	normalized := normalizeSQL(sql)
	for _, stub := range stubs {
		if stub.once && stub.used {
			continue
		}
		if stub.using != "" && stub.using != using {
			continue
		}
		if !strings.Contains(normalized, stub.fragment) {
			continue
		}
		stub.used = true
		return stub
	}
	return nil
}

func (d *fakeDriver) record(using, sql string, args []any) {
	d.calls = append(d.calls, fakeCall{using: using, sql: normalizeSQL(sql), args: args})
}

func (d *fakeDriver) Names() []string {
	names := make([]string, len(d.names))
	copy(names, d.names)
	return names
}

func (d *fakeDriver) Query(ctx context.Context, using, sql string, args ...any) (*driver.Rows, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(using, sql, args)
	if stub := matchStub(d.queries, using, sql); stub != nil {
		if stub.err != nil {
			return nil, stub.err
		}
		return stub.rows, nil
	}
	return &driver.Rows{}, nil
}

func (d *fakeDriver) Exec(ctx context.Context, using, sql string, args ...any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(using, sql, args)
	if stub := matchStub(d.execs, using, sql); stub != nil {
		if stub.err != nil {
			return 0, stub.err
		}
		return stub.affected, nil
	}
	return 1, nil
}

func (d *fakeDriver) Begin(ctx context.Context, using string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(using, "BEGIN", nil)
	if d.txOpen[using] {
		return fmt.Errorf("%w on %s", driver.ErrTransactionOpen, using)
	}
	d.txOpen[using] = true
	return nil
}

func (d *fakeDriver) Commit(ctx context.Context, using string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(using, "COMMIT", nil)
	if !d.txOpen[using] {
		return fmt.Errorf("%w on %s", driver.ErrNoTransaction, using)
	}
	d.txOpen[using] = false
	return nil
}

func (d *fakeDriver) Rollback(ctx context.Context, using string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(using, "ROLLBACK", nil)
	if !d.txOpen[using] {
		return fmt.Errorf("%w on %s", driver.ErrNoTransaction, using)
	}
	d.txOpen[using] = false
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// sqlLog returns the normalized statements routed to a connection.
func (d *fakeDriver) sqlLog(using string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, call := range d.calls {
		if call.using == using {
			out = append(out, call.sql)
		}
	}
	return out
}

// hasCall reports whether any statement on the connection contained the
// fragment.
func (d *fakeDriver) hasCall(using, fragment string) bool {
	fragment = normalizeSQL(fragment)
	for _, sql := range d.sqlLog(using) {
		if strings.Contains(sql, fragment) {
			return true
		}
	}
	return false
}

// countCalls counts statements on the connection containing the
// fragment.
func (d *fakeDriver) countCalls(using, fragment string) int {
	fragment = normalizeSQL(fragment)
	n := 0
	for _, sql := range d.sqlLog(using) {
		if strings.Contains(sql, fragment) {
			n++
		}
	}
	return n
}

// lastCall returns the most recent statement on the connection
// containing the fragment.
func (d *fakeDriver) lastCall(using, fragment string) (fakeCall, bool) {
	fragment = normalizeSQL(fragment)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].using == using && strings.Contains(d.calls[i].sql, fragment) {
			return d.calls[i], true
		}
	}
	return fakeCall{}, false
}

func fakeRows(columns []string, values ...[]any) *driver.Rows {
	return &driver.Rows{Columns: columns, Values: values}
}

func newTestSettings() *settings.Settings {
	return &settings.Settings{
		DBDriver:               settings.DriverDjango,
		PrimaryShardConnection: "default",
		NumLogicalShards:       1024,
		StaticTables:           []string{"auth_group", "django_content_type"},
		ShardingIgnoreTables:   []string{"celery_taskmeta"},
		Databases: map[string]settings.Database{
			"default": {Host: "db0.internal", Port: 5432, Name: "sendhub", User: "sendhub", Password: "hunter2", SSLMode: "disable"},
			"shard_1": {Host: "db1.internal", Port: 5432, Name: "shard_1", User: "sendhub", Password: "hunter2", SSLMode: "disable"},
			"shard_2": {Host: "db2.internal", Port: 5432, Name: "shard_2", User: "sendhub", Password: "hunter2", SSLMode: "disable"},
		},
	}
}

func newTestDB(t *testing.T) (*DB, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver("default", "shard_1", "shard_2")
	return New(drv, newTestSettings()), drv
}

// seedCatalog scripts the reflection queries on every connection with a
// small fixed schema: auth_user plus a handful of per-user tables.
func seedCatalog(drv *fakeDriver) {
	drv.stubQuery("", "pg_catalog.pg_attribute", fakeRows(
		[]string{"relname", "attname", "format_type"},
		[]any{"auth_user", "id", "integer"},
		[]any{"auth_user", "username", "character varying"},
		[]any{"auth_user", "email", "character varying"},
		[]any{"auth_user", "is_active", "boolean"},
		[]any{"auth_user", "score", "integer"},
		[]any{"main_usermessage", "id", "integer"},
		[]any{"main_usermessage", "user_id", "integer"},
		[]any{"main_usermessage", "body", "text"},
		[]any{"main_contact", "id", "integer"},
		[]any{"main_contact", "user_id", "integer"},
		[]any{"main_contact", "parent_user_id", "integer"},
		[]any{"main_shortlink", "id", "integer"},
		[]any{"main_shortlink", "url", "text"},
		[]any{"auth_group", "id", "integer"},
		[]any{"auth_group", "name", "character varying"},
		[]any{"celery_taskmeta", "id", "integer"},
		[]any{"celery_taskmeta", "task_user_id", "integer"},
	))
	drv.stubQuery("", "tc.constraint_type = 'PRIMARY KEY'", fakeRows(
		[]string{"table_name", "column_name"},
		[]any{"auth_user", "id"},
		[]any{"main_usermessage", "id"},
		[]any{"main_contact", "id"},
		[]any{"main_shortlink", "id"},
		[]any{"auth_group", "id"},
	))
	drv.stubQuery("", "tc.constraint_type = 'FOREIGN KEY'", fakeRows(
		[]string{"table_name", "column_name", "foreign_table_name", "foreign_column_name"},
		[]any{"main_usermessage", "user_id", "auth_user", "id"},
		[]any{"main_contact", "user_id", "auth_user", "id"},
	))
}
