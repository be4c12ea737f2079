package models

import (
	"strings"
	"time"
)

// Reservation is a coarse, path-pattern-level intent-lock on files.
// For any file path at most one active exclusive reservation exists; shared
// reservations coexist only while no exclusive one is active.
type Reservation struct {
	ReservationID  string     `json:"reservation_id"`
	FilePath       string     `json:"file_path"`
	HolderCallsign string     `json:"holder_callsign"`
	Exclusive      bool       `json:"exclusive"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	Purpose        string     `json:"purpose,omitempty"`
	Checksum       string     `json:"checksum,omitempty"`
}

// Active reports whether the reservation still holds at the given instant.
func (r *Reservation) Active(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// PathsOverlap reports whether two reservation path patterns can refer to a
// common file. Patterns are literal paths or a trailing single-segment
// wildcard ("src/api/*"); the wildcard matches exactly one more segment.
func PathsOverlap(a, b string) bool {
	aw := strings.HasSuffix(a, "/*")
	bw := strings.HasSuffix(b, "/*")
	switch {
	case !aw && !bw:
		return a == b
	case aw && !bw:
		return wildcardCovers(a, b)
	case !aw && bw:
		return wildcardCovers(b, a)
	default:
		// Two wildcards overlap iff they share the same parent directory.
		return strings.TrimSuffix(a, "/*") == strings.TrimSuffix(b, "/*")
	}
}

// wildcardCovers reports whether pattern ("dir/*") matches path: path must be
// directly inside dir, not in a nested subdirectory.
func wildcardCovers(pattern, path string) bool {
	dir := strings.TrimSuffix(pattern, "/*")
	rest, ok := strings.CutPrefix(path, dir+"/")
	if !ok {
		return false
	}
	return rest != "" && !strings.Contains(rest, "/")
}

// Lock is a fine-grained keyed exclusive lock with TTL. At most one active
// lock exists per lock key.
type Lock struct {
	LockID     string     `json:"lock_id"`
	LockKey    string     `json:"lock_key"`
	HolderID   string     `json:"holder_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the lock still holds at the given instant.
func (l *Lock) Active(now time.Time) bool {
	return l.ReleasedAt == nil && l.ExpiresAt.After(now)
}
