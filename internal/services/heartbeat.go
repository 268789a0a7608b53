package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

// DefaultHeartbeatInterval keeps 4 beats inside the default 120s staleness
// threshold.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatPublisher periodically proves the local process is alive while
// sharing is enabled. Each beat also clears the terminated flag, which is
// how a reinstalled or revived client comes back from offline.
type HeartbeatPublisher struct {
	localUserID uuid.UUID
	live        repositories.LivePresenceRepository
	clock       Clock
	interval    time.Duration
	logger      *slog.Logger

	enabled atomic.Bool
}

func NewHeartbeatPublisher(
	localUserID uuid.UUID,
	live repositories.LivePresenceRepository,
	clock Clock,
	interval time.Duration,
	logger *slog.Logger,
) *HeartbeatPublisher {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatPublisher{
		localUserID: localUserID,
		live:        live,
		clock:       clock,
		interval:    interval,
		logger:      logger,
	}
}

func (h *HeartbeatPublisher) SetEnabled(enabled bool) {
	h.enabled.Store(enabled)
}

// Beat writes one heartbeat immediately. A failed beat is only logged:
// the staleness threshold absorbs several missed beats before liveness
// degrades.
func (h *HeartbeatPublisher) Beat(ctx context.Context) error {
	now := h.clock.Now()
	alive := false
	err := h.live.Apply(ctx, h.localUserID, models.PresenceUpdate{
		LastHeartbeatAt: &now,
		Terminated:      &alive,
	})
	if err != nil {
		h.logger.Warn("heartbeat write failed", "user_id", h.localUserID, "error", err)
	}
	return err
}

func (h *HeartbeatPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.enabled.Load() {
				h.Beat(ctx)
			}
		}
	}
}
