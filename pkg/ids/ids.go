// Package ids generates and validates the typed identifiers used across the
// fleet: prefixed UUIDs for missions, sorties, work orders, checkpoints and
// events, plus free-form callsigns for pilots.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	PrefixMission     = "msn"
	PrefixSortie      = "srt"
	PrefixWorkOrder   = "wo"
	PrefixCheckpoint  = "chk"
	PrefixEvent       = "evt"
	PrefixReservation = "rsv"
	PrefixLock        = "lck"
	PrefixAssignment  = "asg"
	PrefixPattern     = "pat"
	PrefixOutcome     = "out"
	PrefixCursor      = "cur"
	PrefixPilot       = "plt"
)

var (
	// typedID matches "<prefix>-<uuid>", e.g. "msn-6ba7b810-9dad-11d1-80b4-00c04fd430c8".
	typedID = regexp.MustCompile(`^([a-z]{2,4})-[0-9a-f-]{36}$`)

	// legacyEventID matches event ids from pre-migration tables ("evt_a1b2c3d4").
	legacyEventID = regexp.MustCompile(`^evt_[a-z0-9]{8}$`)
)

// New returns a fresh identifier for the given prefix, e.g. New(PrefixMission).
func New(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// NewMission returns a new mission id.
func NewMission() string { return New(PrefixMission) }

// NewSortie returns a new sortie id.
func NewSortie() string { return New(PrefixSortie) }

// NewWorkOrder returns a new work order id.
func NewWorkOrder() string { return New(PrefixWorkOrder) }

// NewCheckpoint returns a new checkpoint id.
func NewCheckpoint() string { return New(PrefixCheckpoint) }

// NewEvent returns a new event id.
func NewEvent() string { return New(PrefixEvent) }

// Valid reports whether id is a well-formed typed identifier.
// Legacy event ids ("evt_xxxxxxxx") are tolerated during migration.
func Valid(id string) bool {
	return typedID.MatchString(id) || legacyEventID.MatchString(id)
}

// Prefix extracts the type prefix of a typed id, or "" if malformed.
func Prefix(id string) string {
	m := typedID.FindStringSubmatch(id)
	if m == nil {
		if legacyEventID.MatchString(id) {
			return PrefixEvent
		}
		return ""
	}
	return m[1]
}

// Validate checks that id carries the expected prefix.
func Validate(id, wantPrefix string) error {
	if !Valid(id) {
		return fmt.Errorf("malformed id %q", id)
	}
	if p := Prefix(id); p != wantPrefix {
		return fmt.Errorf("id %q has prefix %q, want %q", id, p, wantPrefix)
	}
	return nil
}
