package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/models"
)

const reservationColumns = `reservation_id, file_path, holder_callsign, exclusive,
	created_at, expires_at, released_at, purpose, checksum`

// InsertReservation stores a granted reservation.
func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReservationID, r.FilePath, r.HolderCallsign, r.Exclusive,
		fmtTime(r.CreatedAt), fmtTime(r.ExpiresAt), fmtTimePtr(r.ReleasedAt),
		nullStr(r.Purpose), nullStr(r.Checksum))
	if err != nil {
		return fmt.Errorf("inserting reservation: %w", database.MapError(err))
	}
	return nil
}

// GetReservation fetches one reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = ?`, id)
	r, err := scanReservation(row)
	if err != nil {
		return nil, fmt.Errorf("getting reservation %s: %w", id, database.MapError(err))
	}
	return r, nil
}

// ListActiveReservations returns unreleased reservations that have not
// expired as of now.
func (s *Store) ListActiveReservations(ctx context.Context, now string) ([]models.Reservation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE released_at IS NULL AND expires_at > ?
		 ORDER BY created_at`, now)
	if err != nil {
		return nil, fmt.Errorf("listing active reservations: %w", database.MapError(err))
	}
	return collectReservations(rows)
}

// ListReservationsByHolder returns a holder's unreleased reservations.
func (s *Store) ListReservationsByHolder(ctx context.Context, callsign string) ([]models.Reservation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE holder_callsign = ? AND released_at IS NULL
		 ORDER BY created_at`, callsign)
	if err != nil {
		return nil, fmt.Errorf("listing holder reservations: %w", database.MapError(err))
	}
	return collectReservations(rows)
}

// ReleaseReservation marks a reservation released. Reports false when the
// row was already released.
func (s *Store) ReleaseReservation(ctx context.Context, id string, at string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reservations SET released_at = ? WHERE reservation_id = ? AND released_at IS NULL`,
		at, id)
	if err != nil {
		return false, fmt.Errorf("releasing reservation %s: %w", id, database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireReservations releases every reservation whose TTL lapsed and returns
// the released rows so the sweeper can emit events for them.
func (s *Store) ExpireReservations(ctx context.Context, now string) ([]models.Reservation, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE released_at IS NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("finding expired reservations: %w", database.MapError(err))
	}
	expired, err := collectReservations(rows)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		if _, err := s.ReleaseReservation(ctx, expired[i].ReservationID, now); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// DeleteReleasedReservationsBefore prunes released rows older than the
// cutoff, returning the number deleted.
func (s *Store) DeleteReleasedReservationsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM reservations WHERE released_at IS NOT NULL AND released_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning reservations: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanReservation(r rowScanner) (*models.Reservation, error) {
	var (
		res      models.Reservation
		created  string
		expires  string
		released sql.NullString
		purpose  sql.NullString
		checksum sql.NullString
	)
	err := r.Scan(&res.ReservationID, &res.FilePath, &res.HolderCallsign, &res.Exclusive,
		&created, &expires, &released, &purpose, &checksum)
	if err != nil {
		return nil, err
	}
	if res.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if res.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if res.ReleasedAt, err = parseTimePtr(released); err != nil {
		return nil, err
	}
	res.Purpose = strOrEmpty(purpose)
	res.Checksum = strOrEmpty(checksum)
	return &res, nil
}

func collectReservations(rows *sql.Rows) ([]models.Reservation, error) {
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservations: %w", database.MapError(err))
	}
	return out, nil
}

const lockColumns = `lock_id, lock_key, holder_id, acquired_at, expires_at, released_at`

// InsertLock stores a granted lock.
func (s *Store) InsertLock(ctx context.Context, l *models.Lock) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		l.LockID, l.LockKey, l.HolderID,
		fmtTime(l.AcquiredAt), fmtTime(l.ExpiresAt), fmtTimePtr(l.ReleasedAt))
	if err != nil {
		return fmt.Errorf("inserting lock: %w", database.MapError(err))
	}
	return nil
}

// GetLock fetches one lock by id.
func (s *Store) GetLock(ctx context.Context, lockID string) (*models.Lock, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE lock_id = ?`, lockID)
	l, err := scanLock(row)
	if err != nil {
		return nil, fmt.Errorf("getting lock %s: %w", lockID, database.MapError(err))
	}
	return l, nil
}

// GetActiveLock returns the unreleased, unexpired lock on a key, or NotFound.
func (s *Store) GetActiveLock(ctx context.Context, key string, now string) (*models.Lock, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE lock_key = ? AND released_at IS NULL AND expires_at > ?
		 ORDER BY acquired_at DESC LIMIT 1`, key, now)
	l, err := scanLock(row)
	if err != nil {
		return nil, fmt.Errorf("getting lock on %s: %w", key, database.MapError(err))
	}
	return l, nil
}

// ListActiveLocks returns unreleased locks that have not expired as of now.
func (s *Store) ListActiveLocks(ctx context.Context, now string) ([]models.Lock, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE released_at IS NULL AND expires_at > ?
		 ORDER BY acquired_at`, now)
	if err != nil {
		return nil, fmt.Errorf("listing active locks: %w", database.MapError(err))
	}
	return collectLocks(rows)
}

// ListLocksByHolder returns a holder's unreleased locks.
func (s *Store) ListLocksByHolder(ctx context.Context, holderID string) ([]models.Lock, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE holder_id = ? AND released_at IS NULL
		 ORDER BY acquired_at`, holderID)
	if err != nil {
		return nil, fmt.Errorf("listing holder locks: %w", database.MapError(err))
	}
	return collectLocks(rows)
}

// ReleaseLock marks a lock released. Reports false when already released.
func (s *Store) ReleaseLock(ctx context.Context, lockID string, at string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE locks SET released_at = ? WHERE lock_id = ? AND released_at IS NULL`,
		at, lockID)
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", lockID, database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireLocks releases every lock whose TTL lapsed and returns the released
// rows.
func (s *Store) ExpireLocks(ctx context.Context, now string) ([]models.Lock, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE released_at IS NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("finding expired locks: %w", database.MapError(err))
	}
	expired, err := collectLocks(rows)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		if _, err := s.ReleaseLock(ctx, expired[i].LockID, now); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// DeleteReleasedLocksBefore prunes released rows older than the cutoff.
func (s *Store) DeleteReleasedLocksBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM locks WHERE released_at IS NOT NULL AND released_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning locks: %w", database.MapError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLock(r rowScanner) (*models.Lock, error) {
	var (
		l        models.Lock
		acquired string
		expires  string
		released sql.NullString
	)
	err := r.Scan(&l.LockID, &l.LockKey, &l.HolderID, &acquired, &expires, &released)
	if err != nil {
		return nil, err
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if l.ReleasedAt, err = parseTimePtr(released); err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLocks(rows *sql.Rows) ([]models.Lock, error) {
	defer rows.Close()
	var out []models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locks: %w", database.MapError(err))
	}
	return out, nil
}
