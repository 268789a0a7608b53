package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

const (
	DefaultCoalesceInterval   = time.Second
	DefaultResubscribeMaxWait = 30 * time.Second
	DefaultFriendPollInterval = 30 * time.Second

	initialResubscribeWait = time.Second
)

// errResubscribe signals the consume loop to rebuild the subscription with
// the current friend set.
var errResubscribe = errors.New("friend set changed, resubscribe")

// FanoutEngine owns the subscription to the live store's change feed for
// the local user plus their friend set, and is (together with the toggle
// arbiter) one of the only two writers into the presence cache. Events for
// the local user's own record are gated by the arbiter; friend events are
// applied directly. Bursts are coalesced to at most one cache write per
// user per interval, and a write that changes nothing notifies nobody.
type FanoutEngine struct {
	localUserID uuid.UUID
	live        repositories.LivePresenceRepository
	friends     repositories.FriendRepository
	cache       *PresenceCache
	arbiter     *ToggleArbiter
	clock       Clock
	logger      *slog.Logger

	coalesceInterval time.Duration
	maxBackoff       time.Duration
	pollInterval     time.Duration

	onChange func()

	mu        sync.Mutex
	friendSet map[uuid.UUID]struct{}
	co        *coalescer

	resub  chan struct{}
	halted atomic.Bool
}

type FanoutEngineOptions struct {
	CoalesceInterval   time.Duration
	ResubscribeMaxWait time.Duration
	FriendPollInterval time.Duration
}

func NewFanoutEngine(
	localUserID uuid.UUID,
	live repositories.LivePresenceRepository,
	friends repositories.FriendRepository,
	cache *PresenceCache,
	arbiter *ToggleArbiter,
	clock Clock,
	logger *slog.Logger,
	opts FanoutEngineOptions,
) *FanoutEngine {
	if opts.CoalesceInterval <= 0 {
		opts.CoalesceInterval = DefaultCoalesceInterval
	}
	if opts.ResubscribeMaxWait <= 0 {
		opts.ResubscribeMaxWait = DefaultResubscribeMaxWait
	}
	if opts.FriendPollInterval <= 0 {
		opts.FriendPollInterval = DefaultFriendPollInterval
	}
	return &FanoutEngine{
		localUserID:      localUserID,
		live:             live,
		friends:          friends,
		cache:            cache,
		arbiter:          arbiter,
		clock:            clock,
		logger:           logger,
		coalesceInterval: opts.CoalesceInterval,
		maxBackoff:       opts.ResubscribeMaxWait,
		pollInterval:     opts.FriendPollInterval,
		friendSet:        make(map[uuid.UUID]struct{}),
		co:               newCoalescer(opts.CoalesceInterval),
		resub:            make(chan struct{}, 1),
	}
}

// SetOnChange registers the notification hook invoked after any cache
// write that actually changed state. Must be set before Run.
func (e *FanoutEngine) SetOnChange(fn func()) { e.onChange = fn }

// FriendIDs returns the current friend set.
func (e *FanoutEngine) FriendIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.friendSet))
	for id := range e.friendSet {
		ids = append(ids, id)
	}
	return ids
}

// Run drives the engine until ctx is canceled. All goroutines are scoped
// to ctx, so disposing the owner tears down every listener with it.
func (e *FanoutEngine) Run(ctx context.Context) error {
	// Seed the friend set before the first subscribe; on failure start
	// with only the local user and let the poll loop repair it.
	if err := e.refreshFriendSet(ctx); err != nil {
		e.logger.Warn("initial friend set load failed", "error", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.subscribeLoop(ctx) })
	group.Go(func() error { return e.friendPollLoop(ctx) })
	group.Go(func() error { return e.flushLoop(ctx) })
	return group.Wait()
}

// subscribeLoop keeps exactly one live subscription open. Transport drops
// trigger resubscription with capped exponential backoff; each new
// subscription starts from a fresh snapshot, so no delta continuity is
// assumed across a drop.
func (e *FanoutEngine) subscribeLoop(ctx context.Context) error {
	backoff := initialResubscribeWait
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sub, err := e.live.Subscribe(ctx, e.subscriptionIDs())
		if err != nil {
			e.logger.Warn("presence subscribe failed, backing off", "wait", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, e.maxBackoff)
			continue
		}
		backoff = initialResubscribeWait

		err = e.consume(ctx, sub)
		sub.Close()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errResubscribe):
			// Membership changed; resubscribe immediately. Cache entries
			// for users still in the set are untouched.
		case errors.Is(err, repositories.ErrSubscriptionDropped):
			e.logger.Warn("presence subscription dropped, resubscribing")
		case err != nil:
			e.logger.Warn("presence subscription ended", "error", err)
		}
	}
}

func (e *FanoutEngine) consume(ctx context.Context, sub repositories.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.resub:
			return errResubscribe
		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return repositories.ErrSubscriptionDropped
			}
			e.handleEvent(event)
		}
	}
}

// halt stops the engine from writing into the cache, ahead of the context
// cancellation reaching the consume loop. Sign-out must guarantee that no
// in-flight event recreates the removed own entry.
func (e *FanoutEngine) halt() { e.halted.Store(true) }

// discardPendingOwn drops any buffered own-record update. Called on a
// local toggle: whatever was buffered predates the toggle and must not
// flush over it after the protection window lapses.
func (e *FanoutEngine) discardPendingOwn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.co.drop(e.localUserID)
}

// handleEvent routes one change into the cache. Own-record events pass
// through the arbiter first; while a local toggle's protection window is
// open they are echoes and get discarded.
func (e *FanoutEngine) handleEvent(event repositories.PresenceEvent) {
	if e.halted.Load() {
		return
	}
	if event.UserID == e.localUserID && !e.arbiter.AllowRemote() {
		e.logger.Debug("discarded own-record echo inside protection window", "user_id", event.UserID)
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	update, ready := e.co.offer(event.UserID, event.Update, now)
	e.mu.Unlock()
	if ready {
		e.applyUpdate(event.UserID, update)
	}
}

func (e *FanoutEngine) applyUpdate(userID uuid.UUID, update models.PresenceUpdate) {
	_, changed := e.cache.Upsert(userID, update)
	if changed && e.onChange != nil {
		e.onChange()
	}
}

// flushLoop drains coalesced updates that were buffered inside a user's
// rate-limit interval.
func (e *FanoutEngine) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.coalesceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.flushDue()
		}
	}
}

func (e *FanoutEngine) flushDue() {
	if e.halted.Load() {
		return
	}
	now := e.clock.Now()
	e.mu.Lock()
	due := e.co.due(now)
	e.mu.Unlock()
	for userID, update := range due {
		// A buffered own-record update may have been overtaken by a local
		// toggle while it sat in the coalescer; it is an echo now and gets
		// the same arbiter check a fresh event would.
		if userID == e.localUserID && !e.arbiter.AllowRemote() {
			e.logger.Debug("discarded buffered own-record echo inside protection window", "user_id", userID)
			continue
		}
		e.applyUpdate(userID, update)
	}
}

func (e *FanoutEngine) friendPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.refreshFriendSet(ctx); err != nil {
				e.logger.Warn("friend set refresh failed", "error", err)
			}
		}
	}
}

// refreshFriendSet reloads the authorized friend set and, if membership
// changed, signals the subscribe loop to rebuild its subscription. It
// never touches the cache: removed friends simply stop being projected
// into views, and the local user's own entry is never at risk.
func (e *FanoutEngine) refreshFriendSet(ctx context.Context) error {
	ids, err := e.friends.GetFriendIDs(ctx, e.localUserID)
	if err != nil {
		return err
	}

	next := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	e.mu.Lock()
	changed := !sameSet(e.friendSet, next)
	if changed {
		e.friendSet = next
	}
	e.mu.Unlock()

	if changed {
		select {
		case e.resub <- struct{}{}:
		default:
		}
		e.logger.Info("friend set changed", "user_id", e.localUserID, "friends", len(next))
	}
	return nil
}

// subscriptionIDs is the friend set plus the local user's own id, so
// cross-device changes to the own record propagate too.
func (e *FanoutEngine) subscriptionIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.friendSet)+1)
	ids = append(ids, e.localUserID)
	for id := range e.friendSet {
		if id != e.localUserID {
			ids = append(ids, id)
		}
	}
	return ids
}

func sameSet(a, b map[uuid.UUID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// coalescer bounds cache writes to one per user per interval. The first
// update in an interval applies immediately; later ones are merged into a
// pending update that flushes when the interval lapses.
type coalescer struct {
	interval  time.Duration
	lastApply map[uuid.UUID]time.Time
	pending   map[uuid.UUID]models.PresenceUpdate
}

func newCoalescer(interval time.Duration) *coalescer {
	return &coalescer{
		interval:  interval,
		lastApply: make(map[uuid.UUID]time.Time),
		pending:   make(map[uuid.UUID]models.PresenceUpdate),
	}
}

func (c *coalescer) offer(userID uuid.UUID, update models.PresenceUpdate, now time.Time) (models.PresenceUpdate, bool) {
	if buffered, ok := c.pending[userID]; ok {
		c.pending[userID] = buffered.Merge(update)
		return models.PresenceUpdate{}, false
	}
	if last, ok := c.lastApply[userID]; ok && now.Sub(last) < c.interval {
		c.pending[userID] = update
		return models.PresenceUpdate{}, false
	}
	c.lastApply[userID] = now
	return update, true
}

func (c *coalescer) drop(userID uuid.UUID) {
	delete(c.pending, userID)
}

func (c *coalescer) due(now time.Time) map[uuid.UUID]models.PresenceUpdate {
	var out map[uuid.UUID]models.PresenceUpdate
	for userID, update := range c.pending {
		if now.Sub(c.lastApply[userID]) < c.interval {
			continue
		}
		if out == nil {
			out = make(map[uuid.UUID]models.PresenceUpdate)
		}
		out[userID] = update
		delete(c.pending, userID)
		c.lastApply[userID] = now
	}
	return out
}
