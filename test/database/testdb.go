// Package database provides store helpers for integration tests.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	fleetdb "github.com/flightline/fleet/pkg/database"
)

// NewTestClient opens a migrated in-memory sqlite store scoped to the test.
// The pool is capped at one connection so the memory database survives for
// the whole test.
func NewTestClient(t *testing.T) *fleetdb.Client {
	t.Helper()

	client, err := fleetdb.NewClient(context.Background(), fleetdb.Config{
		Dialect:      fleetdb.DialectSQLite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err, "opening test database")

	t.Cleanup(func() {
		require.NoError(t, client.Close(), "closing test database")
	})
	return client
}
