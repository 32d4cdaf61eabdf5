package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sendhub/sh-util/pkg/settings"
)

// sqlalchemyDriver runs on native pgx pools, matching the connection
// behavior of the SQLAlchemy deployments this library serves.
type sqlalchemyDriver struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
	txs   map[string]pgx.Tx
	names []string
}

// NewSQLAlchemyDriver opens one pgx pool per configured database.
func NewSQLAlchemyDriver(databases map[string]settings.Database) (Driver, error) {
	d := &sqlalchemyDriver{
		pools: make(map[string]*pgxpool.Pool, len(databases)),
		txs:   make(map[string]pgx.Tx),
	}
	for name, cfg := range databases {
		poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("bad connection config for %s: %w", name, err)
		}
		poolCfg.MaxConns = 25

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to open connection %s: %w", name, err)
		}
		d.pools[name] = pool
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d, nil
}

func (d *sqlalchemyDriver) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

func (d *sqlalchemyDriver) pool(using string) (*pgxpool.Pool, error) {
	pool, ok := d.pools[using]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, using)
	}
	return pool, nil
}

func (d *sqlalchemyDriver) tx(using string) pgx.Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txs[using]
}

func (d *sqlalchemyDriver) Query(ctx context.Context, using, query string, args ...any) (*Rows, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if tx := d.tx(using); tx != nil {
		rows, err = tx.Query(ctx, query, args...)
	} else {
		pool, perr := d.pool(using)
		if perr != nil {
			return nil, perr
		}
		rows, err = pool.Query(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", using, annotatePgxError(err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		out.Values = append(out.Values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

func (d *sqlalchemyDriver) Exec(ctx context.Context, using, query string, args ...any) (int64, error) {
	if tx := d.tx(using); tx != nil {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("exec on %s failed: %w", using, annotatePgxError(err))
		}
		return tag.RowsAffected(), nil
	}
	pool, err := d.pool(using)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("exec on %s failed: %w", using, annotatePgxError(err))
	}
	return tag.RowsAffected(), nil
}

// annotatePgxError surfaces the DETAIL field of PostgreSQL errors.
func annotatePgxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return &withDetail{err: err, detail: pgErr.Detail}
	}
	return err
}

func (d *sqlalchemyDriver) Begin(ctx context.Context, using string) error {
	pool, err := d.pool(using)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.txs[using]; open {
		return fmt.Errorf("%w on %s", ErrTransactionOpen, using)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin on %s failed: %w", using, err)
	}
	d.txs[using] = tx
	return nil
}

func (d *sqlalchemyDriver) Commit(ctx context.Context, using string) error {
	d.mu.Lock()
	tx, open := d.txs[using]
	delete(d.txs, using)
	d.mu.Unlock()

	if !open {
		return fmt.Errorf("%w on %s", ErrNoTransaction, using)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit on %s failed: %w", using, err)
	}
	return nil
}

func (d *sqlalchemyDriver) Rollback(ctx context.Context, using string) error {
	d.mu.Lock()
	tx, open := d.txs[using]
	delete(d.txs, using)
	d.mu.Unlock()

	if !open {
		return fmt.Errorf("%w on %s", ErrNoTransaction, using)
	}
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback on %s failed: %w", using, err)
	}
	return nil
}

func (d *sqlalchemyDriver) Close() error {
	d.mu.Lock()
	for name, tx := range d.txs {
		_ = tx.Rollback(context.Background())
		delete(d.txs, name)
	}
	d.mu.Unlock()

	for _, pool := range d.pools {
		pool.Close()
	}
	return nil
}
