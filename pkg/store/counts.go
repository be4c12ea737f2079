package store

import (
	"context"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
)

// CountPilotsByStatus returns pilot counts grouped by status.
func (s *Store) CountPilotsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countGrouped(ctx, `SELECT status, COUNT(*) FROM pilots GROUP BY status`)
}

// CountMissionsByStatus returns mission counts grouped by status.
func (s *Store) CountMissionsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countGrouped(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
}

// CountWorkOrdersByStatus returns work order counts grouped by status.
func (s *Store) CountWorkOrdersByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countGrouped(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
}

// CountActiveReservations counts unreleased, unexpired reservations.
func (s *Store) CountActiveReservations(ctx context.Context, now string) (int64, error) {
	return s.countScalar(ctx,
		`SELECT COUNT(*) FROM reservations WHERE released_at IS NULL AND expires_at > ?`, now)
}

// CountActiveLocks counts unreleased, unexpired locks.
func (s *Store) CountActiveLocks(ctx context.Context, now string) (int64, error) {
	return s.countScalar(ctx,
		`SELECT COUNT(*) FROM locks WHERE released_at IS NULL AND expires_at > ?`, now)
}

// CountEvents counts all appended events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	return s.countScalar(ctx, `SELECT COUNT(*) FROM events`)
}

func (s *Store) countScalar(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows: %w", database.MapError(err))
	}
	return n, nil
}

func (s *Store) countGrouped(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counting rows: %w", database.MapError(err))
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counts: %w", database.MapError(err))
	}
	return out, nil
}
