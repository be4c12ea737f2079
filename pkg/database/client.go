// Package database provides the fleet's persistence adapter: an embedded
// sqlite store (default) or an external PostgreSQL store, behind one client
// with transactions, migrations, and a health self-test.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"         // register pgx driver for database/sql
	_ "github.com/ncruces/go-sqlite3/driver"   // register sqlite3 driver
	_ "github.com/ncruces/go-sqlite3/embed"    // embed the sqlite WASM binary

	"github.com/flightline/fleet/pkg/errs"
)

// Client wraps the SQL connection and dialect-aware helpers.
type Client struct {
	db      *sql.DB
	dialect Dialect
}

// NewClient opens the store, verifies connectivity, and applies pending
// migrations. Writes are durable once a statement returns: sqlite runs in WAL
// mode with synchronous=NORMAL, postgres with its default fsync behavior.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driver := "sqlite3"
	if cfg.Dialect == DialectPostgres {
		driver = "pgx"
	} else if cfg.Path != ":memory:" {
		// The database file lives in its own runtime directory (WAL and SHM
		// files are siblings).
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", errs.ErrStorageUnavailable, err)
	}

	c := &Client{db: db, dialect: cfg.Dialect}
	if err := c.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the active dialect.
func (c *Client) Dialect() Dialect { return c.dialect }

// Close closes the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// Rebind converts `?` placeholders to the dialect's native form. Repository
// SQL is written with `?`; postgres needs `$1..$N`.
func (c *Client) Rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ExecContext runs a `?`-placeholder statement after rebinding.
func (c *Client) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.Rebind(query), args...)
}

// QueryContext runs a `?`-placeholder query after rebinding.
func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.Rebind(query), args...)
}

// QueryRowContext runs a `?`-placeholder single-row query after rebinding.
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.Rebind(query), args...)
}

// Querier is the query surface shared by the pool and a transaction.
// Repositories accept a Querier so the same SQL runs standalone or inside
// RunInTx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the transactional view handed to RunInTx callbacks. It rebinds
// placeholders the same way the client does.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// ExecContext runs a `?`-placeholder statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

// QueryContext runs a `?`-placeholder query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// QueryRowContext runs a `?`-placeholder single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func rebind(d Dialect, query string) string {
	c := Client{dialect: d}
	return c.Rebind(query)
}

// RunInTx executes fn inside a write transaction and commits if fn returns
// nil. Write paths require serializable behavior: sqlite serializes writers
// natively (BEGIN IMMEDIATE via _txlock), postgres uses SERIALIZABLE.
func (c *Client) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	var opts *sql.TxOptions
	if c.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := c.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", errs.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx, dialect: c.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", errs.ErrStorageUnavailable, err)
	}
	return nil
}

// MapError normalizes driver-level errors to the fleet taxonomy:
// missing rows to NotFound, constraint violations to Conflict, everything
// else to StorageUnavailable. Callers add operation context on top.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return errs.ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.ErrTimeout
	}
	if IsConstraintViolation(err) {
		return fmt.Errorf("%w: %v", errs.ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
}

// IsConstraintViolation reports whether err is a unique/check/foreign-key
// constraint failure in either dialect.
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 — integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
