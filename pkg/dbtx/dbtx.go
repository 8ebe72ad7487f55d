// Package dbtx defines the minimal database/sql surface shared by every
// store package, satisfied by both *sql.DB and *sql.Tx so a store
// method can run standalone or as part of a caller's transaction (spec
// requires several operations — enroll, report ingest, token rotation —
// to commit atomically with their side effects).
package dbtx

import (
	"context"
	"database/sql"
)

// Queryer is implemented by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Queryer = (*sql.DB)(nil)
	_ Queryer = (*sql.Tx)(nil)
)
