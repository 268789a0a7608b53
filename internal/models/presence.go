package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Liveness is the derived classification of how much a user's location
// should be trusted. It is computed from a PresenceRecord, never stored.
type Liveness string

const (
	LivenessLive      Liveness = "live"
	LivenessLastKnown Liveness = "last_known"
	LivenessOffline   Liveness = "offline"
)

// locationEpsilon is the coordinate delta below which two fixes are
// considered the same point for deduplication (~0.1m).
const locationEpsilon = 1e-6

type Location struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Equal reports whether two fixes are indistinguishable for rendering.
func (l Location) Equal(other Location) bool {
	return math.Abs(l.Latitude-other.Latitude) < locationEpsilon &&
		math.Abs(l.Longitude-other.Longitude) < locationEpsilon &&
		math.Abs(l.AccuracyMeters-other.AccuracyMeters) < locationEpsilon &&
		l.CapturedAt.Equal(other.CapturedAt)
}

// PresenceRecord is the authoritative per-user presence state. Exactly one
// record exists per user id; concurrent writers converge on it through
// field-level partial updates.
type PresenceRecord struct {
	UserID          uuid.UUID `json:"user_id"`
	SharingEnabled  bool      `json:"sharing_enabled"`
	Location        *Location `json:"location,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Terminated      bool      `json:"terminated"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PresenceUpdate is a field-level partial update. Nil fields are left
// untouched on merge, so two independent writers (toggle path, heartbeat
// path) never clobber each other's fields.
type PresenceUpdate struct {
	SharingEnabled  *bool      `json:"sharing_enabled,omitempty"`
	Location        *Location  `json:"location,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Terminated      *bool      `json:"terminated,omitempty"`
}

func (u PresenceUpdate) IsZero() bool {
	return u.SharingEnabled == nil && u.Location == nil &&
		u.LastHeartbeatAt == nil && u.Terminated == nil
}

// Merge combines two partial updates, with fields of other taking
// precedence over u's.
func (u PresenceUpdate) Merge(other PresenceUpdate) PresenceUpdate {
	out := u
	if other.SharingEnabled != nil {
		out.SharingEnabled = other.SharingEnabled
	}
	if other.Location != nil {
		out.Location = other.Location
	}
	if other.LastHeartbeatAt != nil {
		out.LastHeartbeatAt = other.LastHeartbeatAt
	}
	if other.Terminated != nil {
		out.Terminated = other.Terminated
	}
	return out
}

// Apply merges the update into the record field by field and reports
// whether anything actually changed. Duplicate deliveries of the same
// update therefore merge to no-ops.
func (r *PresenceRecord) Apply(u PresenceUpdate) bool {
	changed := false
	if u.SharingEnabled != nil && r.SharingEnabled != *u.SharingEnabled {
		r.SharingEnabled = *u.SharingEnabled
		changed = true
	}
	if u.Location != nil && (r.Location == nil || !r.Location.Equal(*u.Location)) {
		loc := *u.Location
		r.Location = &loc
		changed = true
	}
	if u.LastHeartbeatAt != nil && u.LastHeartbeatAt.After(r.LastHeartbeatAt) {
		r.LastHeartbeatAt = *u.LastHeartbeatAt
		changed = true
	}
	if u.Terminated != nil && r.Terminated != *u.Terminated {
		r.Terminated = *u.Terminated
		changed = true
	}
	return changed
}

// Clone returns a deep copy safe to hand out in snapshots.
func (r PresenceRecord) Clone() PresenceRecord {
	out := r
	if r.Location != nil {
		loc := *r.Location
		out.Location = &loc
	}
	return out
}
