// Package store implements the data store gateway: a pooled connection
// to Postgres (database/sql + lib/pq) with scoped transactions and a
// health check.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Gateway owns the pooled connection to Postgres. database/sql already
// pools connections internally; Gateway configures that pool from
// config rather than hardcoding pool sizes.
type Gateway struct {
	db *sql.DB
}

// Open connects to cfg.URL and configures the pool.
func Open(cfg config.DatabaseConfig) (*Gateway, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxPool)
	db.SetMaxIdleConns(cfg.MinPool)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Gateway{db: db}, nil
}

// DB exposes the underlying *sql.DB for repositories to build queries
// against. Repositories never reach for sql.Open directly.
func (g *Gateway) DB() *sql.DB { return g.db }

// Close releases the pool.
func (g *Gateway) Close() error { return g.db.Close() }

// Migrate applies every pending migration embedded under
// internal/store/migrations against the fixed schema of the entity
// repositories. It is idempotent: re-running against an up-to-date
// database returns migrate.ErrNoChange, which Migrate treats as
// success rather than an error.
func (g *Gateway) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(g.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: build postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// HealthCheck issues a trivial SELECT 1 on an acquired connection.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	var one int
	if err := g.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify("health_check", err)
	}
	return nil
}

// WithTransaction runs fn inside a "read committed" transaction,
// committing only if fn returns nil and rolling back on any other
// exit path, including a panic propagating through fn.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin_tx", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	committed = true
	return nil
}

// classify maps a raw database/sql or lib/pq error onto the closed
// error taxonomy: only connection loss and cancellation are transient.
// A deadline exceeded is deliberately Permanent, not Transient: a call
// that already ran out of its allotted time is never retried by the
// harness. Everything else unclassified is also Permanent so it is
// never silently retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.Permanent, "store."+op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) {
		return apperr.New(apperr.Transient, "store."+op, err)
	}
	return apperr.New(apperr.Permanent, "store."+op, err)
}
