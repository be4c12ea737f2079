package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/models"
)

const eventColumns = `event_id, stream_type, stream_id, sequence, event_type, data,
	occurred_at, recorded_at, causation_id, correlation_id, metadata, schema_version`

// NextSequence returns the next sequence number for a stream. Run inside a
// write transaction together with InsertEvent so the gap-free guarantee
// holds under concurrent appends.
func (s *Store) NextSequence(ctx context.Context, streamType models.StreamType, streamID string) (int64, error) {
	var last sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE stream_type = ? AND stream_id = ?`,
		string(streamType), streamID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", database.MapError(err))
	}
	return last.Int64 + 1, nil
}

// InsertEvent appends one event row. The unique (stream_type, stream_id,
// sequence) index rejects duplicate sequences.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	data := string(e.Data)
	if data == "" {
		data = "{}"
	}
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.StreamType), e.StreamID, e.Sequence, e.EventType, data,
		fmtTime(e.OccurredAt), fmtTime(e.RecordedAt),
		nullStr(e.CausationID), nullStr(e.CorrelationID), metadata, e.SchemaVersion)
	if err != nil {
		return fmt.Errorf("inserting event: %w", database.MapError(err))
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", eventID, database.MapError(err))
	}
	return e, nil
}

// ListEventsByStream returns events on one stream with sequence > after, in
// sequence order, capped at limit (0 means no cap).
func (s *Store) ListEventsByStream(ctx context.Context, streamType models.StreamType, streamID string, after int64, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		 WHERE stream_type = ? AND stream_id = ? AND sequence > ?
		 ORDER BY sequence`
	args := []any{string(streamType), streamID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stream events: %w", database.MapError(err))
	}
	return collectEvents(rows)
}

// ListEventsByType returns events of one event type recorded at or after
// since, newest first, capped at limit (0 means no cap).
func (s *Store) ListEventsByType(ctx context.Context, eventType string, since string, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_type = ?`
	args := []any{eventType}
	if since != "" {
		query += ` AND recorded_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY recorded_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events by type: %w", database.MapError(err))
	}
	return collectEvents(rows)
}

// ListEventsByCorrelation returns all events sharing a correlation id, in
// recorded order.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]models.Event, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = ? ORDER BY recorded_at, sequence`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("listing correlated events: %w", database.MapError(err))
	}
	return collectEvents(rows)
}

// LatestEvent returns the highest-sequence event of a stream, or NotFound for
// an empty stream.
func (s *Store) LatestEvent(ctx context.Context, streamType models.StreamType, streamID string) (*models.Event, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ?
		 ORDER BY sequence DESC LIMIT 1`,
		string(streamType), streamID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("getting latest event: %w", database.MapError(err))
	}
	return e, nil
}

// CountEventsAfter counts undelivered events past a cursor position.
func (s *Store) CountEventsAfter(ctx context.Context, streamType models.StreamType, streamID string, after int64) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE stream_type = ? AND stream_id = ? AND sequence > ?`,
		string(streamType), streamID, after).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending events: %w", database.MapError(err))
	}
	return n, nil
}

// DeleteEventsBefore removes events recorded before the cutoff, returning the
// number deleted. Used by the retention sweep.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired events: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*models.Event, error) {
	var (
		e          models.Event
		streamType string
		data       string
		occurred   string
		recorded   string
		causation  sql.NullString
		correl     sql.NullString
		metadata   sql.NullString
	)
	err := r.Scan(&e.EventID, &streamType, &e.StreamID, &e.Sequence, &e.EventType, &data,
		&occurred, &recorded, &causation, &correl, &metadata, &e.SchemaVersion)
	if err != nil {
		return nil, err
	}
	e.StreamType = models.StreamType(streamType)
	e.Data = []byte(data)
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	e.CausationID = strOrEmpty(causation)
	e.CorrelationID = strOrEmpty(correl)
	if e.OccurredAt, err = parseTime(occurred); err != nil {
		return nil, err
	}
	if e.RecordedAt, err = parseTime(recorded); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", database.MapError(err))
	}
	return out, nil
}
