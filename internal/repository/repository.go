// Package repository implements the entity repositories: thin,
// hand-written SQL mappings between domain values and Postgres, using
// raw database/sql rather than an ORM.
package repository

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so every
// repository method can run either standalone or inside a
// store.Gateway transaction without two copies of the SQL.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
