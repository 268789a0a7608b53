package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

// DefaultProtectionWindow covers the backing store's observed
// read-after-write echo latency. Tunable via config; measure before
// changing.
const DefaultProtectionWindow = 3 * time.Second

// ToggleArbiter owns local sharing intent for the local user's own record.
// Flipping the toggle applies an optimistic cache update, writes through to
// the live store, and opens a protection window during which remote echoes
// of the own record are discarded. Without the window, the store echoing a
// pre-write value (or a racing second device) makes the toggle visibly flap
// ON->OFF->ON.
type ToggleArbiter struct {
	localUserID uuid.UUID
	cache       *PresenceCache
	live        repositories.LivePresenceRepository
	clock       Clock
	window      time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	pendingUntil time.Time // zero means idle
}

func NewToggleArbiter(
	localUserID uuid.UUID,
	cache *PresenceCache,
	live repositories.LivePresenceRepository,
	clock Clock,
	window time.Duration,
	logger *slog.Logger,
) *ToggleArbiter {
	if window <= 0 {
		window = DefaultProtectionWindow
	}
	return &ToggleArbiter{
		localUserID: localUserID,
		cache:       cache,
		live:        live,
		clock:       clock,
		window:      window,
		logger:      logger,
	}
}

// SetSharing flips the local user's sharing toggle. The cache is updated
// optimistically before the remote write; if the write fails the cache is
// rolled back to the exact pre-toggle record and the arbiter returns to
// idle immediately, since a change that never happened needs no protection.
// Enabling carries an immediate heartbeat in the same write, so the own
// record classifies as live without waiting for an echo the protection
// window would discard anyway.
func (a *ToggleArbiter) SetSharing(ctx context.Context, enabled bool) error {
	prev, existed := a.cache.Get(a.localUserID)

	update := models.PresenceUpdate{SharingEnabled: &enabled}
	if enabled {
		now := a.clock.Now()
		terminated := false
		update.LastHeartbeatAt = &now
		update.Terminated = &terminated
	}

	a.cache.Upsert(a.localUserID, update)

	a.mu.Lock()
	a.pendingUntil = a.clock.Now().Add(a.window)
	a.mu.Unlock()

	err := a.live.Apply(ctx, a.localUserID, update)
	if err != nil {
		if existed {
			a.cache.Replace(prev)
		} else {
			a.cache.Remove(a.localUserID)
		}
		a.mu.Lock()
		a.pendingUntil = time.Time{}
		a.mu.Unlock()
		a.logger.Warn("sharing toggle rolled back", "user_id", a.localUserID, "enabled", enabled, "error", err)
		return fmt.Errorf("sharing toggle write failed: %w", err)
	}

	a.logger.Info("sharing toggle written", "user_id", a.localUserID, "enabled", enabled)
	return nil
}

// AllowRemote reports whether a remote change for the local user's own
// record may be applied. Inside the protection window the echo is
// discarded; window expiry is checked lazily here, so legitimate
// cross-device toggles propagate as soon as the window lapses.
func (a *ToggleArbiter) AllowRemote() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingUntil.IsZero() {
		return true
	}
	if a.clock.Now().Before(a.pendingUntil) {
		return false
	}
	a.pendingUntil = time.Time{}
	return true
}
