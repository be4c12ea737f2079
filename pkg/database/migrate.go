package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// runMigrations brings the schema up to date. Postgres goes through
// golang-migrate; sqlite uses a forward-only runner keyed on schema_meta,
// which every migration's final statement bumps so the health self-test can
// read the applied version on either backend.
func (c *Client) runMigrations(ctx context.Context) error {
	if c.dialect == DialectPostgres {
		return c.runPostgresMigrations()
	}
	return c.runSQLiteMigrations(ctx)
}

func (c *Client) runPostgresMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	dbDriver, err := pgmigrate.WithInstance(c.db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	// Closing the database driver would close the shared pool, so only the
	// source driver is released here.
	defer func() { _ = sourceDriver.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (c *Client) runSQLiteMigrations(ctx context.Context) error {
	current, err := c.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("reading migration directory: %w", err)
	}

	type step struct {
		version int64
		name    string
	}
	var steps []step
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return fmt.Errorf("malformed migration filename %q", name)
		}
		v, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed migration filename %q: %w", name, err)
		}
		steps = append(steps, step{version: v, name: name})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		script, err := migrationsFS.ReadFile("migrations/sqlite/" + s.name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", s.name, err)
		}
		err = c.RunInTx(ctx, func(tx *Tx) error {
			_, execErr := tx.tx.ExecContext(ctx, string(script))
			return execErr
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", s.name, err)
		}
		slog.Info("Applied migration", "version", s.version, "file", s.name)
	}
	return nil
}

// SchemaVersion reads the applied schema version from schema_meta. A missing
// table means an empty database, version 0.
func (c *Client) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	err := c.db.QueryRowContext(ctx, "SELECT version FROM schema_meta WHERE id = 1").Scan(&version)
	if err == nil {
		return version, nil
	}
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist") {
		return 0, nil
	}
	return 0, fmt.Errorf("reading schema version: %w", err)
}
