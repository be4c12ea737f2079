// Package store implements the repositories over the fleet database. All SQL
// uses `?` placeholders; the database client rebinds them for postgres.
// Timestamps cross the driver boundary as RFC3339Nano strings so the same
// code paths work on sqlite TEXT columns and postgres timestamptz.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
)

// Store bundles the repositories behind one query surface. A Store is cheap
// to copy; WithTx returns a view bound to a transaction.
type Store struct {
	q      database.Querier
	client *database.Client
}

// New returns a Store running directly on the connection pool.
func New(client *database.Client) *Store {
	return &Store{q: client, client: client}
}

// WithTx returns a Store view whose queries run inside tx.
func (s *Store) WithTx(tx *database.Tx) *Store {
	return &Store{q: tx, client: s.client}
}

// RunInTx executes fn with a transactional Store view and commits if fn
// returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(s *Store) error) error {
	return s.client.RunInTx(ctx, func(tx *database.Tx) error {
		return fn(s.WithTx(tx))
	})
}

// Client exposes the underlying database client for health checks.
func (s *Store) Client() *database.Client { return s.client }

// fmtTime encodes a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr encodes an optional timestamp, nil stays NULL.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime decodes a stored timestamp. Postgres values scanned through
// database/sql arrive in the same RFC3339Nano form.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON encodes a value for a TEXT column, defaulting to the given
// literal when the value is empty.
func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding json column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding json column: %w", err)
	}
	return nil
}

// nullStr turns "" into NULL for optional TEXT columns.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}

func strOrEmpty(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
