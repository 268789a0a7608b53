package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

type engineFixture struct {
	engine   *FanoutEngine
	cache    *PresenceCache
	arbiter  *ToggleArbiter
	live     *fakeLiveRepo
	friends  *fakeFriendRepo
	clock    *fakeClock
	me       uuid.UUID
	notifies atomic.Int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		cache:   NewPresenceCache(),
		live:    newFakeLiveRepo(),
		friends: &fakeFriendRepo{},
		clock:   newFakeClock(),
		me:      uuid.New(),
	}
	f.arbiter = NewToggleArbiter(f.me, f.cache, f.live, f.clock, 3*time.Second, testLogger())
	f.engine = NewFanoutEngine(f.me, f.live, f.friends, f.cache, f.arbiter, f.clock, testLogger(), FanoutEngineOptions{
		CoalesceInterval: time.Second,
	})
	f.engine.SetOnChange(func() { f.notifies.Add(1) })
	return f
}

func locationUpdate(lat, lng float64, at time.Time) models.PresenceUpdate {
	return models.PresenceUpdate{
		Location: &models.Location{Latitude: lat, Longitude: lng, CapturedAt: at},
	}
}

func TestFanoutEngine_FriendEventAppliedImmediately(t *testing.T) {
	f := newEngineFixture(t)
	friend := uuid.New()

	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: friend,
		Update: models.PresenceUpdate{SharingEnabled: boolPtr(true)},
	})

	record, ok := f.cache.Get(friend)
	require.True(t, ok)
	assert.True(t, record.SharingEnabled)
	assert.Equal(t, int64(1), f.notifies.Load())
}

// User toggles sharing on at t=0; the store echoes a stale pre-write
// value at t=500ms. The cache at t=1s must still say enabled.
func TestFanoutEngine_StaleEchoDiscarded(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.arbiter.SetSharing(context.Background(), true))

	f.clock.Advance(500 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: f.me,
		Update: models.PresenceUpdate{SharingEnabled: boolPtr(false)},
	})

	f.clock.Advance(500 * time.Millisecond)
	record, ok := f.cache.Get(f.me)
	require.True(t, ok)
	assert.True(t, record.SharingEnabled, "stale echo must not revert the local toggle")
}

// Rapid ON/OFF/ON inside the protection window settles on the last
// locally intended state, whatever echoes arrive in between.
func TestFanoutEngine_RapidTogglesSettleOnLastIntent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.arbiter.SetSharing(ctx, true))
	f.clock.Advance(200 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: f.me, Update: models.PresenceUpdate{SharingEnabled: boolPtr(false)}})

	require.NoError(t, f.arbiter.SetSharing(ctx, false))
	f.clock.Advance(200 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: f.me, Update: models.PresenceUpdate{SharingEnabled: boolPtr(true)}})

	require.NoError(t, f.arbiter.SetSharing(ctx, true))
	f.clock.Advance(200 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: f.me, Update: models.PresenceUpdate{SharingEnabled: boolPtr(false)}})

	record, ok := f.cache.Get(f.me)
	require.True(t, ok)
	assert.True(t, record.SharingEnabled, "final state must equal last local intent")
}

// After the protection window lapses, a change made on another of the
// user's devices propagates normally.
func TestFanoutEngine_CrossDeviceToggleAppliedWhenIdle(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.arbiter.SetSharing(context.Background(), true))
	f.clock.Advance(4 * time.Second)

	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: f.me,
		Update: models.PresenceUpdate{SharingEnabled: boolPtr(false)},
	})

	record, ok := f.cache.Get(f.me)
	require.True(t, ok)
	assert.False(t, record.SharingEnabled, "cross-device toggle after window expiry must apply")
}

func TestFanoutEngine_DuplicateDeliveryProducesNoExtraNotification(t *testing.T) {
	f := newEngineFixture(t)
	friend := uuid.New()
	at := f.clock.Now()
	update := locationUpdate(37.42, -122.08, at)

	f.engine.handleEvent(repositories.PresenceEvent{UserID: friend, Update: update})
	require.Equal(t, int64(1), f.notifies.Load())

	// Same event redelivered after the coalesce interval: applied, but
	// merging changes nothing, so no notification fires.
	f.clock.Advance(time.Second)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: friend, Update: update})
	assert.Equal(t, int64(1), f.notifies.Load())
}

// A moving friend's burst of fixes collapses to one cache write per
// coalesce interval, applying the latest buffered fix on flush.
func TestFanoutEngine_BurstCoalesced(t *testing.T) {
	f := newEngineFixture(t)
	friend := uuid.New()
	start := f.clock.Now()

	f.engine.handleEvent(repositories.PresenceEvent{UserID: friend, Update: locationUpdate(1, 1, start)})
	f.clock.Advance(100 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: friend, Update: locationUpdate(2, 2, f.clock.Now())})
	f.clock.Advance(100 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{UserID: friend, Update: locationUpdate(3, 3, f.clock.Now())})

	record, _ := f.cache.Get(friend)
	assert.InDelta(t, 1, record.Location.Latitude, 1e-9, "burst fixes inside the interval stay buffered")
	assert.Equal(t, int64(1), f.notifies.Load())

	f.clock.Advance(time.Second)
	f.engine.flushDue()

	record, _ = f.cache.Get(friend)
	assert.InDelta(t, 3, record.Location.Latitude, 1e-9, "flush applies the latest buffered fix")
	assert.Equal(t, int64(2), f.notifies.Load())
}

// Regression for the ghost-disappearance bug: refreshing the friend set
// must never drop cache entries, least of all the local user's own.
func TestFanoutEngine_FriendRefreshPreservesCacheEntries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	oldFriend := uuid.New()
	newFriend := uuid.New()

	f.friends.set(oldFriend)
	require.NoError(t, f.engine.refreshFriendSet(ctx))

	require.NoError(t, f.arbiter.SetSharing(ctx, true))
	f.engine.handleEvent(repositories.PresenceEvent{UserID: oldFriend, Update: models.PresenceUpdate{SharingEnabled: boolPtr(true)}})
	require.Equal(t, 2, f.cache.Len())

	f.friends.set(newFriend)
	require.NoError(t, f.engine.refreshFriendSet(ctx))

	_, ok := f.cache.Get(f.me)
	assert.True(t, ok, "own entry must survive a friend-set refresh")
	_, ok = f.cache.Get(oldFriend)
	assert.True(t, ok, "refresh never removes cache entries")

	assert.ElementsMatch(t, []uuid.UUID{newFriend}, f.engine.FriendIDs())

	select {
	case <-f.engine.resub:
	default:
		t.Fatal("membership change must signal resubscription")
	}
}

func TestFanoutEngine_UnchangedFriendSetDoesNotResubscribe(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	friend := uuid.New()

	f.friends.set(friend)
	require.NoError(t, f.engine.refreshFriendSet(ctx))
	select {
	case <-f.engine.resub:
	default:
		t.Fatal("expected initial resub signal")
	}

	require.NoError(t, f.engine.refreshFriendSet(ctx))
	select {
	case <-f.engine.resub:
		t.Fatal("unchanged set must not trigger resubscription")
	default:
	}
}

func TestFanoutEngine_SubscriptionIDsIncludeSelf(t *testing.T) {
	f := newEngineFixture(t)
	friend := uuid.New()
	f.friends.set(friend, f.me)
	require.NoError(t, f.engine.refreshFriendSet(context.Background()))

	ids := f.engine.subscriptionIDs()
	assert.ElementsMatch(t, []uuid.UUID{f.me, friend}, ids, "own id subscribed exactly once")
}

// A stale own-record update buffered by the coalescer before a local
// toggle must not flush over the toggle while the protection window is
// open; flushes get the same arbiter check a fresh event does.
func TestFanoutEngine_BufferedOwnUpdateNotFlushedOverToggle(t *testing.T) {
	f := newEngineFixture(t)
	now := f.clock.Now()

	// First own event in the interval applies immediately and primes the
	// coalescer.
	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: f.me,
		Update: models.PresenceUpdate{LastHeartbeatAt: &now},
	})

	// A stale sharing=false arrives 100ms later and gets buffered.
	f.clock.Advance(100 * time.Millisecond)
	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: f.me,
		Update: models.PresenceUpdate{SharingEnabled: boolPtr(false)},
	})

	// The user toggles sharing on after the stale value was buffered.
	f.clock.Advance(100 * time.Millisecond)
	require.NoError(t, f.arbiter.SetSharing(context.Background(), true))

	// The coalesce interval lapses while the window is still open.
	f.clock.Advance(time.Second)
	f.engine.flushDue()

	record, ok := f.cache.Get(f.me)
	require.True(t, ok)
	assert.True(t, record.SharingEnabled, "a flushed buffer must not revert the local toggle")
}

func TestFanoutEngine_HaltedEngineAppliesNothing(t *testing.T) {
	f := newEngineFixture(t)
	friend := uuid.New()

	f.engine.halt()
	f.engine.handleEvent(repositories.PresenceEvent{
		UserID: friend,
		Update: models.PresenceUpdate{SharingEnabled: boolPtr(true)},
	})
	f.engine.flushDue()

	_, ok := f.cache.Get(friend)
	assert.False(t, ok)
	assert.Equal(t, int64(0), f.notifies.Load())
}
