// Package reservation implements the intent-level file reservation system and
// the fine-grained keyed locks, both TTL-bounded, with FIFO wait queues and a
// background expiry sweeper.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// Manager owns reservations and locks. Grant decisions serialize on one
// mutex; the persistent state lives in the store so restarts keep holders.
type Manager struct {
	store  *store.Store
	events *events.Service
	logger *slog.Logger

	defaultResTTL  time.Duration
	defaultLockTTL time.Duration

	mu          sync.Mutex
	resWaiters  []*resWaiter
	lockWaiters map[string][]*lockWaiter
	waiterSeq   uint64
}

type resWaiter struct {
	seq      uint64
	filePath string
	callsign string
	exclusive bool
	ttl      time.Duration
	purpose  string
	ready    chan grantResult
	gone     bool
}

type lockWaiter struct {
	seq      uint64
	key      string
	holderID string
	ttl      time.Duration
	ready    chan lockResult
	gone     bool
}

type grantResult struct {
	reservation *models.Reservation
	err         error
}

type lockResult struct {
	lock *models.Lock
	err  error
}

// NewManager wires the reservation and lock manager.
func NewManager(st *store.Store, ev *events.Service, defaultResTTL, defaultLockTTL time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:          st,
		events:         ev,
		logger:         logger.With("component", "reservation"),
		defaultResTTL:  defaultResTTL,
		defaultLockTTL: defaultLockTTL,
		lockWaiters:    make(map[string][]*lockWaiter),
	}
}

// AcquireRequest asks for a file reservation. Timeout zero fails fast on
// conflict; a positive timeout queues FIFO behind earlier waiters.
type AcquireRequest struct {
	FilePath  string
	Callsign  string
	Exclusive bool
	TTL       time.Duration
	Timeout   time.Duration
	Purpose   string
}

// Acquire grants a reservation or waits for one per the request's timeout.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*models.Reservation, error) {
	if req.FilePath == "" {
		return nil, errs.InvalidField("file_path", "must not be empty")
	}
	if req.Callsign == "" {
		return nil, errs.InvalidField("callsign", "must not be empty")
	}
	if req.TTL <= 0 {
		req.TTL = m.defaultResTTL
	}

	m.mu.Lock()
	granted, err := m.tryGrantReservation(ctx, req.FilePath, req.Callsign, req.Exclusive, req.TTL, req.Purpose, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if granted != nil {
		m.mu.Unlock()
		return granted, nil
	}
	if req.Timeout <= 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is held", errs.ErrConflict, req.FilePath)
	}

	w := &resWaiter{
		seq:       m.nextSeq(),
		filePath:  req.FilePath,
		callsign:  req.Callsign,
		exclusive: req.Exclusive,
		ttl:       req.TTL,
		purpose:   req.Purpose,
		ready:     make(chan grantResult, 1),
	}
	m.resWaiters = append(m.resWaiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case res := <-w.ready:
		return res.reservation, res.err
	case <-timer.C:
		m.abandonResWaiter(w)
		return nil, fmt.Errorf("%w: reservation on %s not granted within %s",
			errs.ErrTimeout, req.FilePath, req.Timeout)
	case <-ctx.Done():
		m.abandonResWaiter(w)
		return nil, fmt.Errorf("%w: reservation on %s", errs.ErrCancelled, req.FilePath)
	}
}

// Release releases a reservation. Only the holder may release; force is the
// administrative override and emits a conflict event.
func (m *Manager) Release(ctx context.Context, reservationID, callsign string, force bool) error {
	r, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.ReleasedAt != nil {
		return fmt.Errorf("%w: reservation %s already released", errs.ErrConflict, reservationID)
	}
	if r.HolderCallsign != callsign && !force {
		return fmt.Errorf("%w: reservation %s is held by %s", errs.ErrNotHolder, reservationID, r.HolderCallsign)
	}

	now := models.Now()
	ok, err := m.store.ReleaseReservation(ctx, reservationID, fmtNow(now))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reservation %s already released", errs.ErrConflict, reservationID)
	}

	reason := "released"
	eventType := "file_released"
	if force {
		reason = "forced"
		eventType = "file_conflict"
	}
	m.emitFileEvent(ctx, eventType, r.FilePath, r.HolderCallsign, reason)
	m.dispatch(ctx)
	return nil
}

// ReleaseHolder releases every reservation and lock a holder still owns.
// Used when a pilot deregisters or is evicted as stale.
func (m *Manager) ReleaseHolder(ctx context.Context, callsign string) error {
	now := fmtNow(models.Now())

	reservations, err := m.store.ListReservationsByHolder(ctx, callsign)
	if err != nil {
		return err
	}
	for i := range reservations {
		if _, err := m.store.ReleaseReservation(ctx, reservations[i].ReservationID, now); err != nil {
			return err
		}
		m.emitFileEvent(ctx, "file_released", reservations[i].FilePath, callsign, "released")
	}

	locks, err := m.store.ListLocksByHolder(ctx, callsign)
	if err != nil {
		return err
	}
	for i := range locks {
		if _, err := m.store.ReleaseLock(ctx, locks[i].LockID, now); err != nil {
			return err
		}
		m.emitLockEvent(ctx, "lock_released", locks[i].LockKey, "released")
	}

	if len(reservations) > 0 || len(locks) > 0 {
		m.logger.Info("Released holdings", "callsign", callsign,
			"reservations", len(reservations), "locks", len(locks))
		m.dispatch(ctx)
	}
	return nil
}

// ListActive returns the active reservations.
func (m *Manager) ListActive(ctx context.Context) ([]models.Reservation, error) {
	return m.store.ListActiveReservations(ctx, fmtNow(models.Now()))
}

// ListLocks returns the active keyed locks.
func (m *Manager) ListLocks(ctx context.Context) ([]models.Lock, error) {
	return m.store.ListActiveLocks(ctx, fmtNow(models.Now()))
}

// ListByHolder returns a holder's unreleased reservations.
func (m *Manager) ListByHolder(ctx context.Context, callsign string) ([]models.Reservation, error) {
	return m.store.ListReservationsByHolder(ctx, callsign)
}

// tryGrantReservation grants iff no active holder conflicts and no earlier
// queued waiter conflicts (FIFO fairness). Callers hold m.mu. beforeSeq
// bounds the fairness scan; zero means "behind every queued waiter".
func (m *Manager) tryGrantReservation(ctx context.Context, filePath, callsign string, exclusive bool, ttl time.Duration, purpose string, beforeSeq uint64) (*models.Reservation, error) {
	now := models.Now()
	active, err := m.store.ListActiveReservations(ctx, fmtNow(now))
	if err != nil {
		return nil, err
	}
	for i := range active {
		if reservationsConflict(active[i].FilePath, active[i].Exclusive, filePath, exclusive) {
			return nil, nil
		}
	}
	for _, w := range m.resWaiters {
		if w.gone || (beforeSeq != 0 && w.seq >= beforeSeq) {
			continue
		}
		if reservationsConflict(w.filePath, w.exclusive, filePath, exclusive) {
			return nil, nil
		}
	}

	r := &models.Reservation{
		ReservationID:  ids.New(ids.PrefixReservation),
		FilePath:       filePath,
		HolderCallsign: callsign,
		Exclusive:      exclusive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Purpose:        purpose,
	}
	if err := m.store.InsertReservation(ctx, r); err != nil {
		return nil, err
	}
	m.emitFileEvent(ctx, "file_reserved", filePath, callsign, "")
	return r, nil
}

// reservationsConflict applies the overlap rule: patterns that can name a
// common path conflict when at least one side is exclusive.
func reservationsConflict(pathA string, exclusiveA bool, pathB string, exclusiveB bool) bool {
	if !exclusiveA && !exclusiveB {
		return false
	}
	return models.PathsOverlap(pathA, pathB)
}

// dispatch re-examines the wait queues in FIFO order after any state change.
func (m *Manager) dispatch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.resWaiters[:0]
	for _, w := range m.resWaiters {
		if w.gone {
			continue
		}
		granted, err := m.tryGrantReservation(ctx, w.filePath, w.callsign, w.exclusive, w.ttl, w.purpose, w.seq)
		if err != nil {
			w.ready <- grantResult{err: err}
			continue
		}
		if granted != nil {
			w.ready <- grantResult{reservation: granted}
			continue
		}
		kept = append(kept, w)
	}
	m.resWaiters = kept

	for key, queue := range m.lockWaiters {
		m.dispatchLockKey(ctx, key, queue)
	}
}

func (m *Manager) abandonResWaiter(w *resWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.gone = true
	for i, q := range m.resWaiters {
		if q == w {
			m.resWaiters = append(m.resWaiters[:i], m.resWaiters[i+1:]...)
			break
		}
	}
}

func (m *Manager) nextSeq() uint64 {
	m.waiterSeq++
	return m.waiterSeq
}

func (m *Manager) emitFileEvent(ctx context.Context, eventType, filePath, callsign, reason string) {
	data := fmt.Sprintf(`{"file_path":%q,"callsign":%q`, filePath, callsign)
	if reason != "" {
		data += fmt.Sprintf(`,"reason":%q`, reason)
	}
	data += "}"
	if _, err := m.events.Append(ctx, events.AppendRequest{
		StreamType: models.StreamFile,
		StreamID:   filePath,
		EventType:  eventType,
		Data:       []byte(data),
	}); err != nil && !errors.Is(err, errs.ErrCancelled) {
		m.logger.Warn("Emitting file event failed", "event_type", eventType, "file_path", filePath, "error", err)
	}
}

// AcquireLock grants the exclusive lock on one key, queueing FIFO when held.
func (m *Manager) AcquireLock(ctx context.Context, key, holderID string, ttl, timeout time.Duration) (*models.Lock, error) {
	if key == "" {
		return nil, errs.InvalidField("lock_key", "must not be empty")
	}
	if holderID == "" {
		return nil, errs.InvalidField("holder_id", "must not be empty")
	}
	if ttl <= 0 {
		ttl = m.defaultLockTTL
	}

	m.mu.Lock()
	l, err := m.tryGrantLock(ctx, key, holderID, ttl)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if l != nil {
		m.mu.Unlock()
		return l, nil
	}
	if timeout <= 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: lock %s is held", errs.ErrConflict, key)
	}

	w := &lockWaiter{
		seq:      m.nextSeq(),
		key:      key,
		holderID: holderID,
		ttl:      ttl,
		ready:    make(chan lockResult, 1),
	}
	m.lockWaiters[key] = append(m.lockWaiters[key], w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-w.ready:
		return res.lock, res.err
	case <-timer.C:
		m.abandonLockWaiter(w)
		return nil, fmt.Errorf("%w: lock %s not granted within %s", errs.ErrTimeout, key, timeout)
	case <-ctx.Done():
		m.abandonLockWaiter(w)
		return nil, fmt.Errorf("%w: lock %s", errs.ErrCancelled, key)
	}
}

// AcquireLocks grants several locks atomically. Keys are taken in
// lexicographic order, which rules out deadlock between concurrent multi-key
// holders; on any failure the locks already granted are rolled back.
func (m *Manager) AcquireLocks(ctx context.Context, keys []string, holderID string, ttl, timeout time.Duration) ([]models.Lock, error) {
	if len(keys) == 0 {
		return nil, errs.InvalidField("lock_keys", "must not be empty")
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var granted []models.Lock
	for _, key := range sorted {
		l, err := m.AcquireLock(ctx, key, holderID, ttl, timeout)
		if err != nil {
			for i := range granted {
				if relErr := m.ReleaseLock(ctx, granted[i].LockID, holderID, false); relErr != nil {
					m.logger.Warn("Rolling back multi-lock grant failed",
						"lock_key", granted[i].LockKey, "error", relErr)
				}
			}
			return nil, fmt.Errorf("acquiring %s of %v: %w", key, sorted, err)
		}
		granted = append(granted, *l)
	}
	return granted, nil
}

// ReleaseLock releases a lock; only the holder may, unless forced.
func (m *Manager) ReleaseLock(ctx context.Context, lockID, holderID string, force bool) error {
	l, err := m.store.GetLock(ctx, lockID)
	if err != nil {
		return err
	}
	if l.ReleasedAt != nil {
		return fmt.Errorf("%w: lock %s already released", errs.ErrConflict, lockID)
	}
	if l.HolderID != holderID && !force {
		return fmt.Errorf("%w: lock %s is held by %s", errs.ErrNotHolder, lockID, l.HolderID)
	}

	ok, err := m.store.ReleaseLock(ctx, lockID, fmtNow(models.Now()))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lock %s already released", errs.ErrConflict, lockID)
	}
	reason := "released"
	if l.HolderID != holderID {
		reason = "forced"
	}
	m.emitLockEvent(ctx, "lock_released", l.LockKey, reason)
	m.dispatch(ctx)
	return nil
}

// tryGrantLock grants iff the key has no active holder and no earlier waiter.
// Callers hold m.mu.
func (m *Manager) tryGrantLock(ctx context.Context, key, holderID string, ttl time.Duration) (*models.Lock, error) {
	now := models.Now()
	_, err := m.store.GetActiveLock(ctx, key, fmtNow(now))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, errs.ErrNotFound):
	default:
		return nil, err
	}
	for _, w := range m.lockWaiters[key] {
		if !w.gone {
			return nil, nil
		}
	}

	l := &models.Lock{
		LockID:     ids.New(ids.PrefixLock),
		LockKey:    key,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.store.InsertLock(ctx, l); err != nil {
		return nil, err
	}
	m.emitLockEvent(ctx, "lock_acquired", key, "")
	return l, nil
}

// dispatchLockKey wakes the oldest waiter on a key if the key is free.
// Callers hold m.mu.
func (m *Manager) dispatchLockKey(ctx context.Context, key string, queue []*lockWaiter) {
	kept := queue[:0]
	for _, w := range queue {
		if w.gone {
			continue
		}
		// Only the head of the queue may be granted.
		if len(kept) > 0 {
			kept = append(kept, w)
			continue
		}
		l, err := m.tryGrantLockHead(ctx, w)
		if err != nil {
			w.ready <- lockResult{err: err}
			continue
		}
		if l != nil {
			w.ready <- lockResult{lock: l}
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(m.lockWaiters, key)
	} else {
		m.lockWaiters[key] = kept
	}
}

// tryGrantLockHead grants to the queue head, ignoring its own queue entry.
func (m *Manager) tryGrantLockHead(ctx context.Context, w *lockWaiter) (*models.Lock, error) {
	now := models.Now()
	_, err := m.store.GetActiveLock(ctx, w.key, fmtNow(now))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, errs.ErrNotFound):
	default:
		return nil, err
	}

	l := &models.Lock{
		LockID:     ids.New(ids.PrefixLock),
		LockKey:    w.key,
		HolderID:   w.holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(w.ttl),
	}
	if err := m.store.InsertLock(ctx, l); err != nil {
		return nil, err
	}
	m.emitLockEvent(ctx, "lock_acquired", w.key, "")
	return l, nil
}

func (m *Manager) abandonLockWaiter(w *lockWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.gone = true
	queue := m.lockWaiters[w.key]
	for i, q := range queue {
		if q == w {
			m.lockWaiters[w.key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.lockWaiters[w.key]) == 0 {
		delete(m.lockWaiters, w.key)
	}
}

func (m *Manager) emitLockEvent(ctx context.Context, eventType, key, reason string) {
	data := fmt.Sprintf(`{"lock_key":%q`, key)
	if reason != "" {
		data += fmt.Sprintf(`,"reason":%q`, reason)
	}
	data += "}"
	if _, err := m.events.Append(ctx, events.AppendRequest{
		StreamType: models.StreamLock,
		StreamID:   key,
		EventType:  eventType,
		Data:       []byte(data),
	}); err != nil && !errors.Is(err, errs.ErrCancelled) {
		m.logger.Warn("Emitting lock event failed", "event_type", eventType, "lock_key", key, "error", err)
	}
}

func fmtNow(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
