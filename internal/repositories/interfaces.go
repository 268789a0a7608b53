package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

// PresenceEvent is one change delivered by a live-store subscription.
// Snapshot events carry the full record state observed at subscribe time;
// later events carry only the fields that changed.
type PresenceEvent struct {
	UserID   uuid.UUID
	Update   models.PresenceUpdate
	Snapshot bool
}

// Subscription is a cancelable change feed over a set of user ids. The
// Events channel is closed after Close, or on transport loss, in which
// case Err returns ErrSubscriptionDropped.
type Subscription interface {
	Events() <-chan PresenceEvent
	Err() error
	Close() error
}

// LivePresenceRepository is the low-latency side of the remote store:
// current toggle/location/heartbeat state plus a change feed.
type LivePresenceRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error)
	// Apply writes only the non-nil fields of the update. Fields the
	// caller did not set are never clobbered.
	Apply(ctx context.Context, userID uuid.UUID, update models.PresenceUpdate) error
	// Subscribe delivers an initial snapshot for each known id, then an
	// unbounded sequence of change events.
	Subscribe(ctx context.Context, userIDs []uuid.UUID) (Subscription, error)
}

// PresenceArchiveRepository is the durable side: a document mirror of the
// live fields kept for longer-term persistence and audit.
type PresenceArchiveRepository interface {
	Upsert(ctx context.Context, record *models.PresenceRecord) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.PresenceRecord, error)
}

// FriendRepository supplies the authorized friend-id set for a local user.
// The friend graph itself is owned elsewhere; this is a read-only view.
type FriendRepository interface {
	GetFriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}
