package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

const pilotColumns = `pilot_id, callsign, agent_type, status, capabilities,
	current_workload, max_workload, last_heartbeat, created_at`

// InsertPilot registers a pilot. Duplicate callsigns surface as Conflict via
// the unique index.
func (s *Store) InsertPilot(ctx context.Context, p *models.Pilot) error {
	caps, err := marshalJSON(p.Capabilities, "[]")
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO pilots (`+pilotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PilotID, p.Callsign, p.AgentType, string(p.Status), caps,
		p.CurrentWorkload, p.MaxWorkload, fmtTime(p.LastHeartbeat), fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting pilot %s: %w", p.Callsign, database.MapError(err))
	}
	return nil
}

// GetPilot fetches a pilot by callsign.
func (s *Store) GetPilot(ctx context.Context, callsign string) (*models.Pilot, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots WHERE callsign = ?`, callsign)
	p, err := scanPilot(row)
	if err != nil {
		return nil, fmt.Errorf("getting pilot %s: %w", callsign, database.MapError(err))
	}
	return p, nil
}

// ListPilots returns every registered pilot ordered by callsign.
func (s *Store) ListPilots(ctx context.Context) ([]models.Pilot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots ORDER BY callsign`)
	if err != nil {
		return nil, fmt.Errorf("listing pilots: %w", database.MapError(err))
	}
	return collectPilots(rows)
}

// ListStalePilots returns pilots whose last heartbeat is older than the
// cutoff, candidates for eviction.
func (s *Store) ListStalePilots(ctx context.Context, cutoff string) ([]models.Pilot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+pilotColumns+` FROM pilots WHERE last_heartbeat < ? ORDER BY callsign`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale pilots: %w", database.MapError(err))
	}
	return collectPilots(rows)
}

// TouchPilot records a heartbeat, optionally updating the reported status.
func (s *Store) TouchPilot(ctx context.Context, callsign string, status models.PilotStatus, at string) error {
	var (
		res sql.Result
		err error
	)
	if status == "" {
		res, err = s.q.ExecContext(ctx,
			`UPDATE pilots SET last_heartbeat = ? WHERE callsign = ?`, at, callsign)
	} else {
		res, err = s.q.ExecContext(ctx,
			`UPDATE pilots SET last_heartbeat = ?, status = ? WHERE callsign = ?`,
			at, string(status), callsign)
	}
	if err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", callsign, database.MapError(err))
	}
	return requireRow(res, callsign)
}

// UpdatePilotStatus sets the pilot's activity state.
func (s *Store) UpdatePilotStatus(ctx context.Context, callsign string, status models.PilotStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE pilots SET status = ? WHERE callsign = ?`, string(status), callsign)
	if err != nil {
		return fmt.Errorf("updating pilot status: %w", database.MapError(err))
	}
	return requireRow(res, callsign)
}

// AdjustPilotWorkload adds delta to the pilot's current workload, clamped at
// zero.
func (s *Store) AdjustPilotWorkload(ctx context.Context, callsign string, delta int) error {
	// CASE instead of GREATEST/MAX keeps the statement valid in both dialects.
	res, err := s.q.ExecContext(ctx,
		`UPDATE pilots SET current_workload =
		   CASE WHEN current_workload + ? < 0 THEN 0 ELSE current_workload + ? END
		 WHERE callsign = ?`,
		delta, delta, callsign)
	if err != nil {
		return fmt.Errorf("adjusting workload for %s: %w", callsign, database.MapError(err))
	}
	return requireRow(res, callsign)
}

// DeletePilot removes a pilot and its health record.
func (s *Store) DeletePilot(ctx context.Context, callsign string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM pilot_health WHERE callsign = ?`, callsign); err != nil {
		return fmt.Errorf("deleting pilot health: %w", database.MapError(err))
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM pilots WHERE callsign = ?`, callsign)
	if err != nil {
		return fmt.Errorf("deleting pilot %s: %w", callsign, database.MapError(err))
	}
	return requireRow(res, callsign)
}

// UpsertPilotHealth stores the latest per-dimension health report.
func (s *Store) UpsertPilotHealth(ctx context.Context, h *models.PilotHealth) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO pilot_health
		   (callsign, heartbeat_ok, memory_ok, cpu_ok, communication_ok, task_processing_ok, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (callsign) DO UPDATE SET
		   heartbeat_ok = EXCLUDED.heartbeat_ok,
		   memory_ok = EXCLUDED.memory_ok,
		   cpu_ok = EXCLUDED.cpu_ok,
		   communication_ok = EXCLUDED.communication_ok,
		   task_processing_ok = EXCLUDED.task_processing_ok,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at`,
		h.Callsign, h.HeartbeatOK, h.MemoryOK, h.CPUOK, h.CommunicationOK,
		h.TaskProcessingOK, string(h.Status), fmtTime(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting pilot health: %w", database.MapError(err))
	}
	return nil
}

// GetPilotHealth fetches the stored health record for a pilot.
func (s *Store) GetPilotHealth(ctx context.Context, callsign string) (*models.PilotHealth, error) {
	var (
		h       models.PilotHealth
		status  string
		updated string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT callsign, heartbeat_ok, memory_ok, cpu_ok, communication_ok, task_processing_ok, status, updated_at
		 FROM pilot_health WHERE callsign = ?`, callsign).
		Scan(&h.Callsign, &h.HeartbeatOK, &h.MemoryOK, &h.CPUOK, &h.CommunicationOK,
			&h.TaskProcessingOK, &status, &updated)
	if err != nil {
		return nil, fmt.Errorf("getting pilot health: %w", database.MapError(err))
	}
	h.Status = models.HealthState(status)
	if h.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &h, nil
}

func requireRow(res sql.Result, callsign string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("pilot %s", callsign)
	}
	return nil
}

func scanPilot(r rowScanner) (*models.Pilot, error) {
	var (
		p         models.Pilot
		status    string
		caps      string
		heartbeat string
		created   string
	)
	err := r.Scan(&p.PilotID, &p.Callsign, &p.AgentType, &status, &caps,
		&p.CurrentWorkload, &p.MaxWorkload, &heartbeat, &created)
	if err != nil {
		return nil, err
	}
	p.Status = models.PilotStatus(status)
	if err := unmarshalJSON(caps, &p.Capabilities); err != nil {
		return nil, err
	}
	if p.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPilots(rows *sql.Rows) ([]models.Pilot, error) {
	defer rows.Close()
	var out []models.Pilot
	for rows.Next() {
		p, err := scanPilot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pilot: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pilots: %w", database.MapError(err))
	}
	return out, nil
}
