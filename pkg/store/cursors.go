package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/models"
)

const cursorColumns = `cursor_id, stream_type, stream_id, consumer_id, position, updated_at`

// GetCursor fetches one consumer's cursor on a stream. A consumer that never
// acknowledged anything has no row; callers treat NotFound as position 0.
func (s *Store) GetCursor(ctx context.Context, streamType models.StreamType, streamID, consumerID string) (*models.Cursor, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+cursorColumns+` FROM cursors
		 WHERE stream_type = ? AND stream_id = ? AND consumer_id = ?`,
		string(streamType), streamID, consumerID)
	c, err := scanCursor(row)
	if err != nil {
		return nil, fmt.Errorf("getting cursor: %w", database.MapError(err))
	}
	return c, nil
}

// ListCursorsByConsumer returns every cursor one consumer holds.
func (s *Store) ListCursorsByConsumer(ctx context.Context, consumerID string) ([]models.Cursor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+cursorColumns+` FROM cursors WHERE consumer_id = ? ORDER BY stream_type, stream_id`,
		consumerID)
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cursors: %w", database.MapError(err))
	}
	return out, nil
}

// AdvanceCursor moves a cursor forward, creating it on first use. The update
// is conditional on position <= the new value; a zero-row update means the
// stored position is already ahead, which the caller maps to a regression
// error.
func (s *Store) AdvanceCursor(ctx context.Context, c *models.Cursor) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE cursors SET position = ?, updated_at = ?
		 WHERE stream_type = ? AND stream_id = ? AND consumer_id = ? AND position <= ?`,
		c.Position, fmtTime(c.UpdatedAt),
		string(c.StreamType), c.StreamID, c.ConsumerID, c.Position)
	if err != nil {
		return false, fmt.Errorf("advancing cursor: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Either no row exists yet or the stored position is ahead.
	_, err = s.GetCursor(ctx, c.StreamType, c.StreamID, c.ConsumerID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, sql.ErrNoRows) || isNotFound(err):
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO cursors (`+cursorColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			c.CursorID, string(c.StreamType), c.StreamID, c.ConsumerID,
			c.Position, fmtTime(c.UpdatedAt))
		if err != nil {
			return false, fmt.Errorf("creating cursor: %w", database.MapError(err))
		}
		return true, nil
	default:
		return false, err
	}
}

// DeleteCursorsByConsumer removes a consumer's cursors, used when a pilot is
// deregistered.
func (s *Store) DeleteCursorsByConsumer(ctx context.Context, consumerID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM cursors WHERE consumer_id = ?`, consumerID)
	if err != nil {
		return fmt.Errorf("deleting cursors: %w", database.MapError(err))
	}
	return nil
}

// DeleteStaleCursorsBefore removes cursors not advanced since the cutoff. A
// consumer idle that long is gone without deregistering.
func (s *Store) DeleteStaleCursorsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM cursors WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale cursors: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCursor(r rowScanner) (*models.Cursor, error) {
	var (
		c          models.Cursor
		streamType string
		updated    string
	)
	err := r.Scan(&c.CursorID, &streamType, &c.StreamID, &c.ConsumerID, &c.Position, &updated)
	if err != nil {
		return nil, err
	}
	c.StreamType = models.StreamType(streamType)
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}
