package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

// PresenceService is the composition root's handle on the whole sync
// stack: cache, toggle arbiter, fan-out engine, heartbeat publisher and
// liveness classification, with an explicit Start/Dispose lifecycle so no
// listener can outlive its owner.
type PresenceService struct {
	localUserID    uuid.UUID
	cache          *PresenceCache
	arbiter        *ToggleArbiter
	engine         *FanoutEngine
	heartbeat      *HeartbeatPublisher
	live           repositories.LivePresenceRepository
	archive        repositories.PresenceArchiveRepository
	clock          Clock
	staleThreshold time.Duration
	logger         *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc

	mu           sync.Mutex
	subscribers  map[int]chan []models.FriendView
	nextSubID    int
	lastLiveness map[uuid.UUID]models.Liveness
}

type PresenceServiceOptions struct {
	ProtectionWindow   time.Duration
	StaleThreshold     time.Duration
	HeartbeatInterval  time.Duration
	CoalesceInterval   time.Duration
	ResubscribeMaxWait time.Duration
	FriendPollInterval time.Duration
}

func NewPresenceService(
	localUserID uuid.UUID,
	live repositories.LivePresenceRepository,
	archive repositories.PresenceArchiveRepository,
	friends repositories.FriendRepository,
	clock Clock,
	logger *slog.Logger,
	opts PresenceServiceOptions,
) *PresenceService {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}

	cache := NewPresenceCache()
	arbiter := NewToggleArbiter(localUserID, cache, live, clock, opts.ProtectionWindow, logger)
	engine := NewFanoutEngine(localUserID, live, friends, cache, arbiter, clock, logger, FanoutEngineOptions{
		CoalesceInterval:   opts.CoalesceInterval,
		ResubscribeMaxWait: opts.ResubscribeMaxWait,
		FriendPollInterval: opts.FriendPollInterval,
	})
	heartbeat := NewHeartbeatPublisher(localUserID, live, clock, opts.HeartbeatInterval, logger)

	s := &PresenceService{
		localUserID:    localUserID,
		cache:          cache,
		arbiter:        arbiter,
		engine:         engine,
		heartbeat:      heartbeat,
		live:           live,
		archive:        archive,
		clock:          clock,
		staleThreshold: opts.StaleThreshold,
		logger:         logger,
		subscribers:    make(map[int]chan []models.FriendView),
		lastLiveness:   make(map[uuid.UUID]models.Liveness),
	}
	engine.SetOnChange(s.broadcast)
	return s
}

// Start launches the engine, heartbeat and liveness tick, all scoped to a
// context canceled by Dispose.
func (s *PresenceService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	s.group = group
	s.cancel = cancel

	group.Go(func() error { return s.engine.Run(runCtx) })
	group.Go(func() error { return s.heartbeat.Run(runCtx) })
	group.Go(func() error { return s.tickLoop(runCtx) })

	s.logger.Info("presence service started", "user_id", s.localUserID)
}

// stop cancels the engine, heartbeat and tick loops and waits for them to
// drain. Idempotent; shared by Dispose and SignOut.
func (s *PresenceService) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("presence service shut down with error", "error", err)
	}
}

// Dispose cancels every subscription and loop and waits for them to
// drain. Update callbacks can never fire into a torn-down cache.
func (s *PresenceService) Dispose() {
	s.engine.halt()
	s.stop()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	s.logger.Info("presence service disposed", "user_id", s.localUserID)
}

// SetSharing flips the local user's sharing intent, arbitration and all.
// The arbiter's write already carries the immediate heartbeat when
// enabling; this layer starts the periodic publisher and clears any
// buffered own-record update that predates the toggle.
func (s *PresenceService) SetSharing(ctx context.Context, enabled bool) error {
	if err := s.arbiter.SetSharing(ctx, enabled); err != nil {
		return err
	}
	s.engine.discardPendingOwn()
	s.heartbeat.SetEnabled(enabled)
	s.mirrorToArchive(ctx, models.PresenceUpdate{})
	s.broadcast()
	return nil
}

// PublishLocation writes a new fix through the live store. The cache is
// deliberately not written here: the update comes back through the
// engine's own-record subscription, keeping cache writers down to two.
func (s *PresenceService) PublishLocation(ctx context.Context, loc models.Location) error {
	record, ok := s.cache.Get(s.localUserID)
	if ok && !record.SharingEnabled {
		return fmt.Errorf("%w: sharing is disabled", repositories.ErrPermissionDenied)
	}
	if err := s.live.Apply(ctx, s.localUserID, models.PresenceUpdate{Location: &loc}); err != nil {
		return err
	}
	s.mirrorToArchive(ctx, models.PresenceUpdate{Location: &loc})
	return nil
}

// RecordHeartbeat writes one heartbeat on demand, for hosts that drive
// beats from their own lifecycle instead of the internal ticker.
func (s *PresenceService) RecordHeartbeat(ctx context.Context) error {
	return s.heartbeat.Beat(ctx)
}

// MarkTerminated records the best-effort uninstall/force-kill signal. The
// flag overrides every other liveness input until the next heartbeat
// clears it.
func (s *PresenceService) MarkTerminated(ctx context.Context) error {
	terminated := true
	s.heartbeat.SetEnabled(false)
	if err := s.live.Apply(ctx, s.localUserID, models.PresenceUpdate{Terminated: &terminated}); err != nil {
		return err
	}
	s.mirrorToArchive(ctx, models.PresenceUpdate{Terminated: &terminated})
	return nil
}

// SignOut tears down the sync stack and removes the local user's own
// cache entry, the only path that ever removes a record from the cache.
// The engine is halted before the entry goes, so a late subscription
// event cannot recreate it.
func (s *PresenceService) SignOut() {
	s.heartbeat.SetEnabled(false)
	s.engine.halt()
	s.stop()
	s.cache.Remove(s.localUserID)
}

// FriendViews projects the cache into the per-observer view: the local
// user plus the current friend set, each classified for liveness. A
// record classified offline has its location withheld so the map never
// renders a marker for a terminated or absent user; last-known markers
// keep their stale fix by design of the classifier.
func (s *PresenceService) FriendViews() []models.FriendView {
	now := s.clock.Now()
	snapshot := s.cache.Snapshot()

	visible := map[uuid.UUID]struct{}{s.localUserID: {}}
	for _, id := range s.engine.FriendIDs() {
		visible[id] = struct{}{}
	}

	views := make([]models.FriendView, 0, len(visible))
	for id := range visible {
		record, ok := snapshot[id]
		if !ok {
			continue
		}
		liveness := Classify(record, now, s.staleThreshold)
		view := models.FriendView{
			UserID:         id,
			SharingEnabled: record.SharingEnabled,
			Liveness:       liveness,
			LastSeenAt:     lastSeen(record),
		}
		if liveness != models.LivenessOffline {
			view.Location = record.Location
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].UserID.String() < views[j].UserID.String()
	})
	return views
}

// SubscribeViews returns a channel of view snapshots plus a cancel func.
// Snapshots are immutable copies; a slow consumer drops intermediate
// snapshots rather than blocking the writers.
func (s *PresenceService) SubscribeViews() (<-chan []models.FriendView, func()) {
	ch := make(chan []models.FriendView, 1)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *PresenceService) broadcast() {
	views := s.FriendViews()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- views:
		default:
			// Drain the stale snapshot and replace it with the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- views:
			default:
			}
		}
	}
	for _, view := range views {
		s.lastLiveness[view.UserID] = view.Liveness
	}
}

// tickLoop re-classifies cached records periodically so heartbeat
// staleness is noticed even when no remote event arrives.
func (s *PresenceService) tickLoop(ctx context.Context) error {
	interval := s.staleThreshold / 8
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.livenessShifted() {
				s.broadcast()
			}
		}
	}
}

func (s *PresenceService) livenessShifted() bool {
	now := s.clock.Now()
	snapshot := s.cache.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range snapshot {
		if Classify(record, now, s.staleThreshold) != s.lastLiveness[id] {
			return true
		}
	}
	return false
}

// mirrorToArchive copies the current own record, with the update that was
// just written through, into the durable store. The update is applied on
// top of the cache record because the cache only learns of it once the
// subscription echoes it back; the mirror must not lag behind the write.
// Best effort: a stale mirror write lost a race to a newer one and is
// discarded; other failures are logged, never surfaced, because the live
// store stays authoritative.
func (s *PresenceService) mirrorToArchive(ctx context.Context, update models.PresenceUpdate) {
	record, ok := s.cache.Get(s.localUserID)
	if !ok {
		remote, err := s.live.Get(ctx, s.localUserID)
		if err != nil {
			return
		}
		record = *remote
	}
	record.Apply(update)
	record.UpdatedAt = s.clock.Now()
	if err := s.archive.Upsert(ctx, &record); err != nil && !errors.Is(err, repositories.ErrStaleWrite) {
		s.logger.Warn("presence archive mirror failed", "user_id", s.localUserID, "error", err)
	}
}

func lastSeen(record models.PresenceRecord) time.Time {
	seen := record.LastHeartbeatAt
	if record.Location != nil && record.Location.CapturedAt.After(seen) {
		seen = record.Location.CapturedAt
	}
	return seen
}
