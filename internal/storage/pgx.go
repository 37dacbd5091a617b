package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDatabase is the pgx-backed Database implementation. It is not part
// of the spec's covered surface (the persistent storage engine is an
// external collaborator) but is the Database cmd/server runs on; the
// module's tests use fakes rather than this type.
type PgxDatabase struct {
	pool *pgxpool.Pool
}

// NewPgxDatabase dials a Postgres connection pool from a DSN.
func NewPgxDatabase(ctx context.Context, dsn string) (*PgxDatabase, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PgxDatabase{pool: pool}, nil
}

func (d *PgxDatabase) Close() { d.pool.Close() }

func (d *PgxDatabase) WithTransaction(ctx context.Context, fn func(TransactionCtx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&pgxTxCtx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (d *PgxDatabase) WithReadOnly(ctx context.Context, fn func(TransactionCtx) error) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire read connection: %w", err)
	}
	defer conn.Release()
	return fn(&pgxConnCtx{conn: conn.Conn()})
}

type pgxTxCtx struct {
	tx pgx.Tx
}

func (c *pgxTxCtx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.tx.Exec(ctx, sql, args...)
	return err
}

func (c *pgxTxCtx) QueryRow(ctx context.Context, sql string, dest []any, args ...any) error {
	return c.tx.QueryRow(ctx, sql, args...).Scan(dest...)
}

func (c *pgxTxCtx) Query(ctx context.Context, sql string, fn func(scan func(dest ...any) error) error, args ...any) error {
	rows, err := c.tx.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

type pgxConnCtx struct {
	conn *pgx.Conn
}

func (c *pgxConnCtx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConnCtx) QueryRow(ctx context.Context, sql string, dest []any, args ...any) error {
	return c.conn.QueryRow(ctx, sql, args...).Scan(dest...)
}

func (c *pgxConnCtx) Query(ctx context.Context, sql string, fn func(scan func(dest ...any) error) error, args ...any) error {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}
