package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

const patternColumns = `pattern_id, pattern_hash, pattern_type, mission_type, template,
	success_count, failure_count, avg_duration_ms, effectiveness, status, version,
	created_at, last_used_at`

// InsertPattern stores a learned pattern version.
func (s *Store) InsertPattern(ctx context.Context, p *models.Pattern) error {
	template, err := marshalJSON(p.Template, "[]")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PatternID, p.PatternHash, p.PatternType, p.MissionType, template,
		p.SuccessCount, p.FailureCount, p.AvgDuration.Milliseconds(), p.Effectiveness,
		string(p.Status), p.Version, fmtTime(p.CreatedAt), fmtTimePtr(p.LastUsedAt))
	if err != nil {
		return fmt.Errorf("inserting pattern: %w", database.MapError(err))
	}
	return nil
}

// GetPattern fetches a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*models.Pattern, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE pattern_id = ?`, id)
	p, err := scanPattern(row)
	if err != nil {
		return nil, fmt.Errorf("getting pattern %s: %w", id, database.MapError(err))
	}
	return p, nil
}

// GetPatternByHash returns the newest version of a pattern hash.
func (s *Store) GetPatternByHash(ctx context.Context, hash string) (*models.Pattern, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE pattern_hash = ? ORDER BY version DESC LIMIT 1`, hash)
	p, err := scanPattern(row)
	if err != nil {
		return nil, fmt.Errorf("getting pattern by hash: %w", database.MapError(err))
	}
	return p, nil
}

// ListPatterns returns patterns filtered by mission type, pattern type, and
// status, each optional. Results order by effectiveness, best first.
func (s *Store) ListPatterns(ctx context.Context, missionType, patternType string, status models.PatternStatus, limit int) ([]models.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE 1=1`
	var args []any
	if missionType != "" {
		query += ` AND mission_type = ?`
		args = append(args, missionType)
	}
	if patternType != "" {
		query += ` AND pattern_type = ?`
		args = append(args, patternType)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY effectiveness DESC, version DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pattern: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patterns: %w", database.MapError(err))
	}
	return out, nil
}

// UpdatePatternStats refreshes the counters and effectiveness after an
// outcome lands.
func (s *Store) UpdatePatternStats(ctx context.Context, id string, successCount, failureCount int, avgDuration time.Duration, effectiveness float64, lastUsedAt string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE patterns SET success_count = ?, failure_count = ?, avg_duration_ms = ?,
		   effectiveness = ?, last_used_at = ?
		 WHERE pattern_id = ?`,
		successCount, failureCount, avgDuration.Milliseconds(), effectiveness, lastUsedAt, id)
	if err != nil {
		return fmt.Errorf("updating pattern stats: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("pattern %s", id)
	}
	return nil
}

// SetPatternStatus moves a pattern version between active, approved, and
// archived.
func (s *Store) SetPatternStatus(ctx context.Context, id string, status models.PatternStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE patterns SET status = ? WHERE pattern_id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("setting pattern status: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("pattern %s", id)
	}
	return nil
}

// DeletePattern removes a pattern version and its recorded outcomes.
func (s *Store) DeletePattern(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM pattern_outcomes WHERE pattern_id = ?`, id); err != nil {
		return fmt.Errorf("deleting outcomes of pattern %s: %w", id, database.MapError(err))
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM patterns WHERE pattern_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pattern %s: %w", id, database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("pattern %s", id)
	}
	return nil
}

func scanPattern(r rowScanner) (*models.Pattern, error) {
	var (
		p          models.Pattern
		template   string
		durationMS int64
		status     string
		created    string
		lastUsed   sql.NullString
	)
	err := r.Scan(&p.PatternID, &p.PatternHash, &p.PatternType, &p.MissionType, &template,
		&p.SuccessCount, &p.FailureCount, &durationMS, &p.Effectiveness, &status,
		&p.Version, &created, &lastUsed)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(template, &p.Template); err != nil {
		return nil, err
	}
	p.AvgDuration = time.Duration(durationMS) * time.Millisecond
	p.Status = models.PatternStatus(status)
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.LastUsedAt, err = parseTimePtr(lastUsed); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertOutcome records one application of a pattern.
func (s *Store) InsertOutcome(ctx context.Context, o *models.PatternOutcome) error {
	deviations, err := marshalJSON(o.Deviations, "[]")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO pattern_outcomes
		   (outcome_id, pattern_id, mission_id, outcome, duration_ms, deviations, lessons, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OutcomeID, o.PatternID, o.MissionID, string(o.Outcome),
		o.Duration.Milliseconds(), deviations, nullStr(o.Lessons), fmtTime(o.RecordedAt))
	if err != nil {
		return fmt.Errorf("inserting outcome: %w", database.MapError(err))
	}
	return nil
}

// ListOutcomes returns a pattern's outcomes, newest first.
func (s *Store) ListOutcomes(ctx context.Context, patternID string, limit int) ([]models.PatternOutcome, error) {
	query := `SELECT outcome_id, pattern_id, mission_id, outcome, duration_ms, deviations, lessons, recorded_at
		 FROM pattern_outcomes WHERE pattern_id = ? ORDER BY recorded_at DESC`
	args := []any{patternID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.PatternOutcome
	for rows.Next() {
		var (
			o          models.PatternOutcome
			outcome    string
			durationMS int64
			deviations string
			lessons    sql.NullString
			recorded   string
		)
		if err := rows.Scan(&o.OutcomeID, &o.PatternID, &o.MissionID, &outcome,
			&durationMS, &deviations, &lessons, &recorded); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.Outcome = models.OutcomeKind(outcome)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		if err := unmarshalJSON(deviations, &o.Deviations); err != nil {
			return nil, err
		}
		o.Lessons = strOrEmpty(lessons)
		if o.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcomes: %w", database.MapError(err))
	}
	return out, nil
}
