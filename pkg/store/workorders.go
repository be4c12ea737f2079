package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

const workOrderColumns = `id, sortie_id, work_type, description, status, assigned_to,
	priority, preferred_agent_type, retry_count, last_error, correlation_id,
	created_at, updated_at, completed_at`

// InsertWorkOrder stores a new work order.
func (s *Store) InsertWorkOrder(ctx context.Context, w *models.WorkOrder) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO work_orders (`+workOrderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, nullStr(w.SortieID), w.WorkType, nullStr(w.Description), string(w.Status),
		nullStr(w.AssignedTo), string(w.Priority), nullStr(w.PreferredAgentType),
		w.RetryCount, nullStr(w.LastError), nullStr(w.CorrelationID),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt), fmtTimePtr(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting work order: %w", database.MapError(err))
	}
	return nil
}

// UpsertWorkOrder writes a work order unconditionally, used by checkpoint
// restore.
func (s *Store) UpsertWorkOrder(ctx context.Context, w *models.WorkOrder) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO work_orders (`+workOrderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   assigned_to = EXCLUDED.assigned_to,
		   retry_count = EXCLUDED.retry_count,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at,
		   completed_at = EXCLUDED.completed_at`,
		w.ID, nullStr(w.SortieID), w.WorkType, nullStr(w.Description), string(w.Status),
		nullStr(w.AssignedTo), string(w.Priority), nullStr(w.PreferredAgentType),
		w.RetryCount, nullStr(w.LastError), nullStr(w.CorrelationID),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt), fmtTimePtr(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("restoring work order: %w", database.MapError(err))
	}
	return nil
}

// GetWorkOrder fetches a work order by id.
func (s *Store) GetWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE id = ?`, id)
	w, err := scanWorkOrder(row)
	if err != nil {
		return nil, fmt.Errorf("getting work order %s: %w", id, database.MapError(err))
	}
	return w, nil
}

// ListWorkOrders returns work orders filtered by status (optional), oldest
// first so scheduling honors arrival order among equals.
func (s *Store) ListWorkOrders(ctx context.Context, status models.WorkOrderStatus, limit int) ([]models.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing work orders: %w", database.MapError(err))
	}
	return collectWorkOrders(rows)
}

// ListWorkOrdersBySortie returns a sortie's work orders in creation order.
func (s *Store) ListWorkOrdersBySortie(ctx context.Context, sortieID string) ([]models.WorkOrder, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE sortie_id = ? ORDER BY created_at`, sortieID)
	if err != nil {
		return nil, fmt.Errorf("listing sortie work orders: %w", database.MapError(err))
	}
	return collectWorkOrders(rows)
}

// ListWorkOrdersByPilot returns work orders currently assigned to a pilot in
// a non-terminal status.
func (s *Store) ListWorkOrdersByPilot(ctx context.Context, callsign string) ([]models.WorkOrder, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+workOrderColumns+` FROM work_orders
		 WHERE assigned_to = ? AND status IN (?, ?, ?)
		 ORDER BY created_at`,
		callsign, string(models.WorkOrderAssigned), string(models.WorkOrderAccepted),
		string(models.WorkOrderInProgress))
	if err != nil {
		return nil, fmt.Errorf("listing pilot work orders: %w", database.MapError(err))
	}
	return collectWorkOrders(rows)
}

// UpdateWorkOrderStatus transitions a work order, guarded by the expected
// current status. Assignment and error fields ride along.
func (s *Store) UpdateWorkOrderStatus(ctx context.Context, id string, from, to models.WorkOrderStatus, assignedTo, lastError string, completedAt *string, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE work_orders SET status = ?, assigned_to = ?, last_error = ?,
		   completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), nullStr(assignedTo), nullStr(lastError), nullable(completedAt), at,
		id, string(from))
	if err != nil {
		return fmt.Errorf("updating work order status: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("work order %s not in status %s: %w", id, from, errs.ErrStateConflict)
	}
	return nil
}

// UpdateWorkOrderPriority changes a pending work order's priority.
func (s *Store) UpdateWorkOrderPriority(ctx context.Context, id string, priority models.Priority, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE work_orders SET priority = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(priority), at, id, string(models.WorkOrderPending))
	if err != nil {
		return fmt.Errorf("updating work order priority: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("work order %s not pending: %w", id, errs.ErrStateConflict)
	}
	return nil
}

// DeleteWorkOrder removes a work order with its dependency edges and
// assignments.
func (s *Store) DeleteWorkOrder(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_task_id = ?`, id, id); err != nil {
		return fmt.Errorf("deleting work order dependencies: %w", database.MapError(err))
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM assignments WHERE work_order_id = ?`, id); err != nil {
		return fmt.Errorf("deleting work order assignments: %w", database.MapError(err))
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM work_orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting work order: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("work order %s", id)
	}
	return nil
}

// IncrementWorkOrderRetry bumps the retry counter and records the error.
func (s *Store) IncrementWorkOrderRetry(ctx context.Context, id string, lastError string, at string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE work_orders SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		nullStr(lastError), at, id)
	if err != nil {
		return fmt.Errorf("incrementing retry count: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("work order %s", id)
	}
	return nil
}

func scanWorkOrder(r rowScanner) (*models.WorkOrder, error) {
	var (
		w         models.WorkOrder
		sortie    sql.NullString
		desc      sql.NullString
		status    string
		assigned  sql.NullString
		priority  string
		agentType sql.NullString
		lastErr   sql.NullString
		correl    sql.NullString
		created   string
		updated   string
		completed sql.NullString
	)
	err := r.Scan(&w.ID, &sortie, &w.WorkType, &desc, &status, &assigned, &priority,
		&agentType, &w.RetryCount, &lastErr, &correl, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	w.SortieID = strOrEmpty(sortie)
	w.Description = strOrEmpty(desc)
	w.Status = models.WorkOrderStatus(status)
	w.AssignedTo = strOrEmpty(assigned)
	w.Priority = models.Priority(priority)
	w.PreferredAgentType = strOrEmpty(agentType)
	w.LastError = strOrEmpty(lastErr)
	w.CorrelationID = strOrEmpty(correl)
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if w.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWorkOrders(rows *sql.Rows) ([]models.WorkOrder, error) {
	defer rows.Close()
	var out []models.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning work order: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating work orders: %w", database.MapError(err))
	}
	return out, nil
}

const assignmentColumns = `assignment_id, work_order_id, pilot_id, assigned_at, accepted_at,
	completed_at, estimated_completion, progress_percent, error_details, active`

// InsertAssignment stores a new assignment.
func (s *Store) InsertAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AssignmentID, a.WorkOrderID, a.PilotID, fmtTime(a.AssignedAt),
		fmtTimePtr(a.AcceptedAt), fmtTimePtr(a.CompletedAt), fmtTimePtr(a.EstimatedCompletion),
		a.ProgressPercent, nullStr(a.ErrorDetails), a.Active)
	if err != nil {
		return fmt.Errorf("inserting assignment: %w", database.MapError(err))
	}
	return nil
}

// GetActiveAssignment returns the single active assignment for a work order,
// or NotFound.
func (s *Store) GetActiveAssignment(ctx context.Context, workOrderID string) (*models.Assignment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE work_order_id = ? AND active ORDER BY assigned_at DESC LIMIT 1`, workOrderID)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, fmt.Errorf("getting active assignment: %w", database.MapError(err))
	}
	return a, nil
}

// GetAssignment fetches an assignment by id.
func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = ?`, assignmentID)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, fmt.Errorf("getting assignment %s: %w", assignmentID, database.MapError(err))
	}
	return a, nil
}

// ListAssignmentsByPilot returns a pilot's assignments, newest first.
func (s *Store) ListAssignmentsByPilot(ctx context.Context, pilotID string, limit int) ([]models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments
		 WHERE pilot_id = ? ORDER BY assigned_at DESC`
	args := []any{pilotID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", database.MapError(err))
	}
	return out, nil
}

// ListActiveAssignments returns every active assignment, used by orphan
// recovery at startup.
func (s *Store) ListActiveAssignments(ctx context.Context) ([]models.Assignment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE active ORDER BY assigned_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active assignments: %w", database.MapError(err))
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", database.MapError(err))
	}
	return out, nil
}

// UpdateAssignmentProgress records acceptance, progress, or completion.
func (s *Store) UpdateAssignmentProgress(ctx context.Context, assignmentID string, progress int, acceptedAt, completedAt, estimated *string, errorDetails string, active bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE assignments SET progress_percent = ?,
		   accepted_at = COALESCE(?, accepted_at),
		   completed_at = COALESCE(?, completed_at),
		   estimated_completion = COALESCE(?, estimated_completion),
		   error_details = ?, active = ?
		 WHERE assignment_id = ?`,
		progress, nullable(acceptedAt), nullable(completedAt), nullable(estimated),
		nullStr(errorDetails), active, assignmentID)
	if err != nil {
		return fmt.Errorf("updating assignment: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("assignment %s", assignmentID)
	}
	return nil
}

// DeactivateAssignment retires an assignment without completing it, used when
// an ack times out or a pilot is evicted.
func (s *Store) DeactivateAssignment(ctx context.Context, assignmentID string, errorDetails string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE assignments SET active = ?, error_details = ? WHERE assignment_id = ? AND active`,
		false, nullStr(errorDetails), assignmentID)
	if err != nil {
		return fmt.Errorf("deactivating assignment: %w", database.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("active assignment %s", assignmentID)
	}
	return nil
}

func scanAssignment(r rowScanner) (*models.Assignment, error) {
	var (
		a         models.Assignment
		assigned  string
		accepted  sql.NullString
		completed sql.NullString
		estimated sql.NullString
		details   sql.NullString
	)
	err := r.Scan(&a.AssignmentID, &a.WorkOrderID, &a.PilotID, &assigned, &accepted,
		&completed, &estimated, &a.ProgressPercent, &details, &a.Active)
	if err != nil {
		return nil, err
	}
	if a.AssignedAt, err = parseTime(assigned); err != nil {
		return nil, err
	}
	if a.AcceptedAt, err = parseTimePtr(accepted); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	if a.EstimatedCompletion, err = parseTimePtr(estimated); err != nil {
		return nil, err
	}
	a.ErrorDetails = strOrEmpty(details)
	return &a, nil
}

// InsertDependency records an edge in the dependency graph.
func (s *Store) InsertDependency(ctx context.Context, d *models.TaskDependency) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on_task_id, dep_type, resolved)
		 VALUES (?, ?, ?, ?)`,
		d.TaskID, d.DependsOnTaskID, string(d.Type), d.Resolved)
	if err != nil {
		return fmt.Errorf("inserting dependency: %w", database.MapError(err))
	}
	return nil
}

// ListDependencies returns the edges a task waits on.
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]models.TaskDependency, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id, dep_type, resolved
		 FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", database.MapError(err))
	}
	return collectDependencies(rows)
}

// ListDependents returns the edges waiting on a task.
func (s *Store) ListDependents(ctx context.Context, dependsOnTaskID string) ([]models.TaskDependency, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id, dep_type, resolved
		 FROM task_dependencies WHERE depends_on_task_id = ? ORDER BY task_id`, dependsOnTaskID)
	if err != nil {
		return nil, fmt.Errorf("listing dependents: %w", database.MapError(err))
	}
	return collectDependencies(rows)
}

// ListAllDependencies returns the full edge set, used for cycle detection.
func (s *Store) ListAllDependencies(ctx context.Context) ([]models.TaskDependency, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT task_id, depends_on_task_id, dep_type, resolved
		 FROM task_dependencies ORDER BY task_id, depends_on_task_id`)
	if err != nil {
		return nil, fmt.Errorf("listing all dependencies: %w", database.MapError(err))
	}
	return collectDependencies(rows)
}

// ResolveDependencies marks every edge waiting on a task as resolved.
func (s *Store) ResolveDependencies(ctx context.Context, dependsOnTaskID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE task_dependencies SET resolved = ? WHERE depends_on_task_id = ? AND NOT resolved`,
		true, dependsOnTaskID)
	if err != nil {
		return 0, fmt.Errorf("resolving dependencies: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResolveCompletionDependencies marks only completion-type edges waiting on a
// task as resolved. Used when the task finished terminally but not
// successfully.
func (s *Store) ResolveCompletionDependencies(ctx context.Context, dependsOnTaskID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE task_dependencies SET resolved = ?
		 WHERE depends_on_task_id = ? AND dep_type = ? AND NOT resolved`,
		true, dependsOnTaskID, string(models.DependencyCompletion))
	if err != nil {
		return 0, fmt.Errorf("resolving completion dependencies: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectDependencies(rows *sql.Rows) ([]models.TaskDependency, error) {
	defer rows.Close()
	var out []models.TaskDependency
	for rows.Next() {
		var (
			d       models.TaskDependency
			depType string
		)
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &depType, &d.Resolved); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		d.Type = models.DependencyType(depType)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dependencies: %w", database.MapError(err))
	}
	return out, nil
}
