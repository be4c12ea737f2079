package database

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	fleetdb "github.com/flightline/fleet/pkg/database"
)

var (
	// One container serves every test in the package; each test gets its own
	// database inside it.
	pgOnce    sync.Once
	pgBase    fleetdb.Config
	pgBaseErr error
)

// NewPostgresTestClient opens a migrated client against a fresh database in
// the shared postgres container. CI points CI_DATABASE_URL at a service
// container instead; -short skips entirely.
func NewPostgresTestClient(t *testing.T) *fleetdb.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres store test in short mode")
	}

	ctx := context.Background()
	base := postgresBase(t)
	name := testDatabaseName(t)

	admin, err := stdsql.Open("pgx", base.DSN())
	require.NoError(t, err, "connecting to postgres")
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err, "creating test database")

	cfg := base
	cfg.Database = name
	cfg.MaxOpenConns = 5
	cfg.MaxIdleConns = 2
	client, err := fleetdb.NewClient(ctx, cfg)
	require.NoError(t, err, "opening test database")

	t.Cleanup(func() {
		require.NoError(t, client.Close(), "closing test database")
		if _, err := admin.ExecContext(context.Background(),
			"DROP DATABASE IF EXISTS "+name+" WITH (FORCE)"); err != nil {
			t.Logf("Warning: failed to drop database %s: %v", name, err)
		}
		_ = admin.Close()
	})
	return client
}

// postgresBase returns connection settings for the shared server: the
// CI-provided one when CI_DATABASE_URL is set, otherwise a testcontainer
// started once per package.
func postgresBase(t *testing.T) fleetdb.Config {
	t.Helper()

	if raw := os.Getenv("CI_DATABASE_URL"); raw != "" {
		cfg, err := parsePostgresURL(raw)
		require.NoError(t, err, "parsing CI_DATABASE_URL")
		return cfg
	}

	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("fleet"),
			postgres.WithUsername("fleet"),
			postgres.WithPassword("fleet"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgBaseErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			pgBaseErr = fmt.Errorf("reading container connection string: %w", err)
			return
		}
		pgBase, pgBaseErr = parsePostgresURL(connStr)
	})
	require.NoError(t, pgBaseErr, "setting up shared postgres container")
	return pgBase
}

// parsePostgresURL splits a postgres:// URL into discrete config fields.
func parsePostgresURL(raw string) (fleetdb.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return fleetdb.Config{}, fmt.Errorf("parsing database URL: %w", err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fleetdb.Config{}, fmt.Errorf("parsing database port: %w", err)
		}
	}
	password, _ := u.User.Password()
	return fleetdb.Config{
		Dialect:  fleetdb.DialectPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  "disable",
	}, nil
}

// testDatabaseName builds a unique, postgres-safe database name from the
// test name plus a random suffix.
func testDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		t.Fatalf("generating database name suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
