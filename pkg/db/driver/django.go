package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Sendhub/sh-util/pkg/settings"
)

// djangoDriver runs on database/sql with the lib/pq driver, matching the
// connection behavior of the Django deployments this library serves.
type djangoDriver struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	txs   map[string]*sql.Tx
	names []string
}

// NewDjangoDriver opens one database/sql pool per configured database.
func NewDjangoDriver(databases map[string]settings.Database) (Driver, error) {
	d := &djangoDriver{
		pools: make(map[string]*sql.DB, len(databases)),
		txs:   make(map[string]*sql.Tx),
	}
	for name, cfg := range databases {
		pool, err := sql.Open("postgres", cfg.ConnectionString())
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to open connection %s: %w", name, err)
		}
		pool.SetMaxOpenConns(25)
		pool.SetMaxIdleConns(5)
		pool.SetConnMaxLifetime(5 * time.Minute)

		d.pools[name] = pool
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d, nil
}

func (d *djangoDriver) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

func (d *djangoDriver) pool(using string) (*sql.DB, error) {
	pool, ok := d.pools[using]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, using)
	}
	return pool, nil
}

// tx returns the open transaction for the connection name, if any.
func (d *djangoDriver) tx(using string) *sql.Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txs[using]
}

func (d *djangoDriver) Query(ctx context.Context, using, query string, args ...any) (*Rows, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tx := d.tx(using); tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		pool, perr := d.pool(using)
		if perr != nil {
			return nil, perr
		}
		rows, err = pool.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", using, annotatePqError(err))
	}
	defer rows.Close()

	return scanAll(rows)
}

func (d *djangoDriver) Exec(ctx context.Context, using, query string, args ...any) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if tx := d.tx(using); tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		pool, perr := d.pool(using)
		if perr != nil {
			return 0, perr
		}
		res, err = pool.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("exec on %s failed: %w", using, annotatePqError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// annotatePqError surfaces the DETAIL field of PostgreSQL errors.
func annotatePqError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Detail != "" {
		return &withDetail{err: err, detail: pqErr.Detail}
	}
	return err
}

func (d *djangoDriver) Begin(ctx context.Context, using string) error {
	pool, err := d.pool(using)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.txs[using]; open {
		return fmt.Errorf("%w on %s", ErrTransactionOpen, using)
	}
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin on %s failed: %w", using, err)
	}
	d.txs[using] = tx
	return nil
}

func (d *djangoDriver) Commit(_ context.Context, using string) error {
	d.mu.Lock()
	tx, open := d.txs[using]
	delete(d.txs, using)
	d.mu.Unlock()

	if !open {
		return fmt.Errorf("%w on %s", ErrNoTransaction, using)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit on %s failed: %w", using, err)
	}
	return nil
}

func (d *djangoDriver) Rollback(_ context.Context, using string) error {
	d.mu.Lock()
	tx, open := d.txs[using]
	delete(d.txs, using)
	d.mu.Unlock()

	if !open {
		return fmt.Errorf("%w on %s", ErrNoTransaction, using)
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback on %s failed: %w", using, err)
	}
	return nil
}

func (d *djangoDriver) Close() error {
	d.mu.Lock()
	for name, tx := range d.txs {
		_ = tx.Rollback()
		delete(d.txs, name)
	}
	d.mu.Unlock()

	var firstErr error
	for name, pool := range d.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", name, err)
		}
	}
	return firstErr
}

// scanAll drains a result set into driver-independent Rows. Column
// values are scanned as interface{} and normalized so text always
// arrives as string.
func scanAll(rows *sql.Rows) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	out := &Rows{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i := range raw {
			raw[i] = normalizeValue(raw[i])
		}
		out.Values = append(out.Values, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
