package models

import (
	"time"

	"github.com/google/uuid"
)

// Friendship is one edge of the friend graph. The graph itself is owned by
// an external service; we only read the authorized set for a local user.
type Friendship struct {
	UserID    uuid.UUID `json:"user_id"`
	FriendID  uuid.UUID `json:"friend_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FriendView is the per-observer projection of one friend's presence,
// limited to what the map surface needs to render a marker.
type FriendView struct {
	UserID         uuid.UUID `json:"user_id"`
	SharingEnabled bool      `json:"sharing_enabled"`
	Location       *Location `json:"location,omitempty"`
	Liveness       Liveness  `json:"liveness"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}
