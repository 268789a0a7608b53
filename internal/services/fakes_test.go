package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
	"github.com/sundeep8967/groupsharing-presence/internal/repositories"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is the virtual clock for protection-window and coalescing
// tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLiveRepo is an in-memory LivePresenceRepository. Writes merge into
// local state and are logged; nothing is echoed automatically, so tests
// inject echoes explicitly.
type fakeLiveRepo struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*models.PresenceRecord
	applyErr error
	applied  []models.PresenceUpdate
	subs     []*fakeSubscription
}

func newFakeLiveRepo() *fakeLiveRepo {
	return &fakeLiveRepo{records: make(map[uuid.UUID]*models.PresenceRecord)}
}

func (f *fakeLiveRepo) Get(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := record.Clone()
	return &clone, nil
}

func (f *fakeLiveRepo) Apply(ctx context.Context, userID uuid.UUID, update models.PresenceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	record, ok := f.records[userID]
	if !ok {
		record = &models.PresenceRecord{UserID: userID}
		f.records[userID] = record
	}
	record.Apply(update)
	f.applied = append(f.applied, update)
	return nil
}

func (f *fakeLiveRepo) Subscribe(ctx context.Context, userIDs []uuid.UUID) (repositories.Subscription, error) {
	sub := &fakeSubscription{events: make(chan repositories.PresenceEvent, 64)}
	f.mu.Lock()
	for _, id := range userIDs {
		if record, ok := f.records[id]; ok {
			clone := record.Clone()
			sharing := clone.SharingEnabled
			terminated := clone.Terminated
			sub.events <- repositories.PresenceEvent{
				UserID:   id,
				Update:   models.PresenceUpdate{SharingEnabled: &sharing, Location: clone.Location, Terminated: &terminated},
				Snapshot: true,
			}
		}
	}
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeLiveRepo) setApplyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

func (f *fakeLiveRepo) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type fakeSubscription struct {
	events chan repositories.PresenceEvent
	mu     sync.Mutex
	err    error
	closed bool
}

func (s *fakeSubscription) Events() <-chan repositories.PresenceEvent { return s.events }

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// fakeFriendRepo serves a settable friend set.
type fakeFriendRepo struct {
	mu      sync.Mutex
	friends []uuid.UUID
	err     error
}

func (f *fakeFriendRepo) GetFriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]uuid.UUID(nil), f.friends...), nil
}

func (f *fakeFriendRepo) set(friends ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.friends = friends
}

// fakeArchiveRepo records upserts.
type fakeArchiveRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.PresenceRecord
}

func newFakeArchiveRepo() *fakeArchiveRepo {
	return &fakeArchiveRepo{records: make(map[uuid.UUID]models.PresenceRecord)}
}

func (f *fakeArchiveRepo) Upsert(ctx context.Context, record *models.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.UserID] = record.Clone()
	return nil
}

func (f *fakeArchiveRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := record.Clone()
	return &clone, nil
}

func (f *fakeArchiveRepo) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.PresenceRecord, error) {
	return nil, nil
}
