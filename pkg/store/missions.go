package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

const missionColumns = `id, title, description, status, priority, created_at, started_at, completed_at`

// InsertMission stores a new mission.
func (s *Store) InsertMission(ctx context.Context, m *models.Mission) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO missions (`+missionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, nullStr(m.Description), string(m.Status), string(m.Priority),
		fmtTime(m.CreatedAt), fmtTimePtr(m.StartedAt), fmtTimePtr(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting mission: %w", database.MapError(err))
	}
	return nil
}

// GetMission fetches a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if err != nil {
		return nil, fmt.Errorf("getting mission %s: %w", id, database.MapError(err))
	}
	return m, nil
}

// ListMissions returns missions, optionally filtered by status, newest first.
func (s *Store) ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mission: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missions: %w", database.MapError(err))
	}
	return out, nil
}

// UpdateMissionStatus transitions a mission, guarded by the expected current
// status so concurrent transitions cannot race past the state machine.
func (s *Store) UpdateMissionStatus(ctx context.Context, id string, from, to models.MissionStatus, startedAt, completedAt *string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE missions SET status = ?,
		   started_at = COALESCE(?, started_at),
		   completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status = ?`,
		string(to), nullable(startedAt), nullable(completedAt), id, string(from))
	if err != nil {
		return fmt.Errorf("updating mission status: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission %s not in status %s: %w", id, from, errs.ErrStateConflict)
	}
	return nil
}

// ArchiveMissionsBefore moves terminal missions whose completion predates the
// cutoff to archived, returning the number moved.
func (s *Store) ArchiveMissionsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE missions SET status = ?
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(models.MissionArchived),
		string(models.MissionCompleted), string(models.MissionFailed), string(models.MissionCancelled),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving missions: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeArchivedMissionsBefore deletes archived missions older than the cutoff
// together with their sorties, work orders, assignments, dependency edges, and
// checkpoints. Children go first; nothing here cascades.
func (s *Store) PurgeArchivedMissionsBefore(ctx context.Context, cutoff string) (int64, error) {
	const missions = `SELECT id FROM missions
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`
	const orders = `SELECT id FROM work_orders WHERE sortie_id IN
		(SELECT id FROM sorties WHERE mission_id IN (` + missions + `))`

	once := []any{string(models.MissionArchived), cutoff}
	twice := append(append([]any{}, once...), once...)

	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM assignments WHERE work_order_id IN (` + orders + `)`, once},
		{`DELETE FROM task_dependencies WHERE task_id IN (` + orders + `)
		  OR depends_on_task_id IN (` + orders + `)`, twice},
		{`DELETE FROM work_orders WHERE id IN (` + orders + `)`, once},
		{`DELETE FROM sorties WHERE mission_id IN (` + missions + `)`, once},
		{`DELETE FROM checkpoints WHERE mission_id IN (` + missions + `)`, once},
	}
	for _, step := range steps {
		if _, err := s.q.ExecContext(ctx, step.query, step.args...); err != nil {
			return 0, fmt.Errorf("purging mission children: %w", database.MapError(err))
		}
	}

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM missions WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(models.MissionArchived), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging missions: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMission(r rowScanner) (*models.Mission, error) {
	var (
		m         models.Mission
		desc      sql.NullString
		status    string
		priority  string
		created   string
		started   sql.NullString
		completed sql.NullString
	)
	err := r.Scan(&m.ID, &m.Title, &desc, &status, &priority, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	m.Description = strOrEmpty(desc)
	m.Status = models.MissionStatus(status)
	m.Priority = models.Priority(priority)
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if m.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &m, nil
}

const sortieColumns = `id, mission_id, status, assigned_to, files, blocked_reason,
	created_at, updated_at, closed_at`

// InsertSortie stores a new sortie.
func (s *Store) InsertSortie(ctx context.Context, so *models.Sortie) error {
	files, err := marshalJSON(so.Files, "[]")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sorties (`+sortieColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		so.ID, nullStr(so.MissionID), string(so.Status), nullStr(so.AssignedTo), files,
		nullStr(so.BlockedReason), fmtTime(so.CreatedAt), fmtTime(so.UpdatedAt),
		fmtTimePtr(so.ClosedAt))
	if err != nil {
		return fmt.Errorf("inserting sortie: %w", database.MapError(err))
	}
	return nil
}

// UpsertSortie writes a sortie unconditionally, used by checkpoint restore.
func (s *Store) UpsertSortie(ctx context.Context, so *models.Sortie) error {
	files, err := marshalJSON(so.Files, "[]")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sorties (`+sortieColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   assigned_to = EXCLUDED.assigned_to,
		   files = EXCLUDED.files,
		   blocked_reason = EXCLUDED.blocked_reason,
		   updated_at = EXCLUDED.updated_at,
		   closed_at = EXCLUDED.closed_at`,
		so.ID, nullStr(so.MissionID), string(so.Status), nullStr(so.AssignedTo), files,
		nullStr(so.BlockedReason), fmtTime(so.CreatedAt), fmtTime(so.UpdatedAt),
		fmtTimePtr(so.ClosedAt))
	if err != nil {
		return fmt.Errorf("restoring sortie: %w", database.MapError(err))
	}
	return nil
}

// GetSortie fetches a sortie by id.
func (s *Store) GetSortie(ctx context.Context, id string) (*models.Sortie, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+sortieColumns+` FROM sorties WHERE id = ?`, id)
	so, err := scanSortie(row)
	if err != nil {
		return nil, fmt.Errorf("getting sortie %s: %w", id, database.MapError(err))
	}
	return so, nil
}

// ListSortiesByMission returns a mission's sorties in creation order.
func (s *Store) ListSortiesByMission(ctx context.Context, missionID string) ([]models.Sortie, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sortieColumns+` FROM sorties WHERE mission_id = ? ORDER BY created_at`, missionID)
	if err != nil {
		return nil, fmt.Errorf("listing sorties: %w", database.MapError(err))
	}
	return collectSorties(rows)
}

// UpdateSortieStatus transitions a sortie, guarded by the expected current
// status.
func (s *Store) UpdateSortieStatus(ctx context.Context, id string, from, to models.SortieStatus, blockedReason string, closedAt *string, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sorties SET status = ?, blocked_reason = ?, closed_at = COALESCE(?, closed_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullStr(blockedReason), nullable(closedAt), at, id, string(from))
	if err != nil {
		return fmt.Errorf("updating sortie status: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sortie %s not in status %s: %w", id, from, errs.ErrStateConflict)
	}
	return nil
}

// AssignSortie sets the pilot responsible for a sortie.
func (s *Store) AssignSortie(ctx context.Context, id, callsign string, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sorties SET assigned_to = ?, updated_at = ? WHERE id = ?`,
		nullStr(callsign), at, id)
	if err != nil {
		return fmt.Errorf("assigning sortie: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("sortie %s", id)
	}
	return nil
}

func scanSortie(r rowScanner) (*models.Sortie, error) {
	var (
		so       models.Sortie
		mission  sql.NullString
		status   string
		assigned sql.NullString
		files    string
		blocked  sql.NullString
		created  string
		updated  string
		closed   sql.NullString
	)
	err := r.Scan(&so.ID, &mission, &status, &assigned, &files, &blocked, &created, &updated, &closed)
	if err != nil {
		return nil, err
	}
	so.MissionID = strOrEmpty(mission)
	so.Status = models.SortieStatus(status)
	so.AssignedTo = strOrEmpty(assigned)
	so.BlockedReason = strOrEmpty(blocked)
	if err := unmarshalJSON(files, &so.Files); err != nil {
		return nil, err
	}
	if so.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if so.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if so.ClosedAt, err = parseTimePtr(closed); err != nil {
		return nil, err
	}
	return &so, nil
}

func collectSorties(rows *sql.Rows) ([]models.Sortie, error) {
	defer rows.Close()
	var out []models.Sortie
	for rows.Next() {
		so, err := scanSortie(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sortie: %w", err)
		}
		out = append(out, *so)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sorties: %w", database.MapError(err))
	}
	return out, nil
}

// nullable passes an optional pre-formatted value through to the driver.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
