package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

const checkpointColumns = `id, mission_id, taken_at, trigger_kind, progress_percent,
	snapshot, created_by, expires_at, consumed_at, version`

// InsertCheckpoint stores a snapshot.
func (s *Store) InsertCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MissionID, fmtTime(c.Timestamp), string(c.Trigger), c.ProgressPercent,
		string(c.Snapshot), nullStr(c.CreatedBy), fmtTimePtr(c.ExpiresAt),
		fmtTimePtr(c.ConsumedAt), c.Version)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", database.MapError(err))
	}
	return nil
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint %s: %w", id, database.MapError(err))
	}
	return c, nil
}

// LatestCheckpoint returns the most recent checkpoint of a mission, consumed
// or not.
func (s *Store) LatestCheckpoint(ctx context.Context, missionID string) (*models.Checkpoint, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE mission_id = ? ORDER BY taken_at DESC LIMIT 1`, missionID)
	c, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("getting latest checkpoint: %w", database.MapError(err))
	}
	return c, nil
}

// ListCheckpointsByMission returns a mission's checkpoints, newest first.
func (s *Store) ListCheckpointsByMission(ctx context.Context, missionID string, limit int) ([]models.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints
		 WHERE mission_id = ? ORDER BY taken_at DESC`
	args := []any{missionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", database.MapError(err))
	}
	return out, nil
}

// ConsumeCheckpoint sets consumed_at exactly once. A checkpoint already
// consumed fails the precondition.
func (s *Store) ConsumeCheckpoint(ctx context.Context, id string, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE checkpoints SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("consuming checkpoint %s: %w", id, database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetCheckpoint(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("checkpoint %s already consumed: %w", id, errs.ErrPreconditionFailed)
	}
	return nil
}

// DeleteCheckpoint removes one checkpoint.
func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting checkpoint %s: %w", id, database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("checkpoint %s", id)
	}
	return nil
}

// DeleteConsumedCheckpointsBefore prunes checkpoints consumed before the
// cutoff. Unconsumed checkpoints stay, they are still resume candidates.
func (s *Store) DeleteConsumedCheckpointsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE consumed_at IS NOT NULL AND consumed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning consumed checkpoints: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredCheckpoints removes checkpoints whose expiry passed.
func (s *Store) DeleteExpiredCheckpoints(ctx context.Context, now string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("pruning expired checkpoints: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCheckpoint(r rowScanner) (*models.Checkpoint, error) {
	var (
		c        models.Checkpoint
		taken    string
		trigger  string
		snapshot string
		created  sql.NullString
		expires  sql.NullString
		consumed sql.NullString
	)
	err := r.Scan(&c.ID, &c.MissionID, &taken, &trigger, &c.ProgressPercent,
		&snapshot, &created, &expires, &consumed, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Trigger = models.CheckpointTrigger(trigger)
	c.Snapshot = []byte(snapshot)
	c.CreatedBy = strOrEmpty(created)
	if c.Timestamp, err = parseTime(taken); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return nil, err
	}
	if c.ConsumedAt, err = parseTimePtr(consumed); err != nil {
		return nil, err
	}
	return &c, nil
}
