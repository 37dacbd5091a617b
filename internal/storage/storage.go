// Package storage defines the TransactionCtx capability that the Write
// Runner (internal/writerunner) consumes. spec §1 places the persistent
// storage engine itself out of scope ("a relational store with
// transactional DDL; the core consumes a typed TransactionCtx
// capability") — this package only has to provide the interface plus one
// concrete pgx-backed implementation so the rest of the core has
// something real to drive.
package storage

import "context"

// TransactionCtx is the capability a write closure runs against. It
// gives the closure an isolated view of the relational store; the
// closure's mutations commit atomically when the closure returns nil.
type TransactionCtx interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) error
	// QueryRow runs a statement expected to return at most one row,
	// scanning its columns into dest.
	QueryRow(ctx context.Context, sql string, dest []any, args ...any) error
	// Query runs a statement returning zero or more rows, invoking fn
	// once per row with a scan function bound to that row.
	Query(ctx context.Context, sql string, fn func(scan func(dest ...any) error) error, args ...any) error
}

// Database is the top-level capability the Write Runner uses to open
// transactions. Reads use separate connections from writes (spec §5:
// "Storage transactions: one-writer; readers use separate connections").
type Database interface {
	// WithTransaction runs fn inside a single transaction, committing on
	// a nil return and rolling back otherwise.
	WithTransaction(ctx context.Context, fn func(TransactionCtx) error) error
	// WithReadOnly runs fn against a read-only connection, outside any
	// write transaction.
	WithReadOnly(ctx context.Context, fn func(TransactionCtx) error) error
	Close()
}
