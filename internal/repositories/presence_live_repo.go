package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

const (
	presenceKeyPrefix     = "presence:"
	presenceChannelPrefix = "presence:changes:"

	fieldSharingEnabled = "sharing_enabled"
	fieldLocation       = "location"
	fieldLastHeartbeat  = "last_heartbeat"
	fieldTerminated     = "terminated"
	fieldUpdatedAt      = "updated_at"
)

// RedisLivePresenceRepository stores each user's presence as a Redis hash
// so that concurrent writers (toggle path, heartbeat path) update disjoint
// fields without clobbering each other. Changes are fanned out over a
// per-user pub/sub channel.
type RedisLivePresenceRepository struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisLivePresenceRepository(client *redis.Client, logger *slog.Logger) *RedisLivePresenceRepository {
	return &RedisLivePresenceRepository{client: client, logger: logger}
}

// wireEvent is the pub/sub payload for one partial update.
type wireEvent struct {
	UserID uuid.UUID             `json:"user_id"`
	Update models.PresenceUpdate `json:"update"`
}

func (r *RedisLivePresenceRepository) Get(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, unavailable("get presence", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(userID, fields)
}

// Apply writes only the fields set on the update, in one round trip, and
// publishes the delta to the user's change channel.
func (r *RedisLivePresenceRepository) Apply(ctx context.Context, userID uuid.UUID, update models.PresenceUpdate) error {
	if update.IsZero() {
		return nil
	}

	values := map[string]interface{}{
		fieldUpdatedAt: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if update.SharingEnabled != nil {
		values[fieldSharingEnabled] = encodeBool(*update.SharingEnabled)
	}
	if update.Location != nil {
		data, err := json.Marshal(update.Location)
		if err != nil {
			return fmt.Errorf("failed to marshal location: %w", err)
		}
		values[fieldLocation] = string(data)
	}
	if update.LastHeartbeatAt != nil {
		values[fieldLastHeartbeat] = strconv.FormatInt(update.LastHeartbeatAt.UnixMilli(), 10)
	}
	if update.Terminated != nil {
		values[fieldTerminated] = encodeBool(*update.Terminated)
	}

	payload, err := json.Marshal(wireEvent{UserID: userID, Update: update})
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}

	// Write and publish in one pipeline so subscribers never observe a
	// published delta whose hash write failed.
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(userID), values)
	pipe.Publish(ctx, presenceChannel(userID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("apply presence update", err)
	}
	return nil
}

// Subscribe opens one pub/sub subscription covering all given ids, then
// emits an initial snapshot per existing record followed by live deltas.
// Snapshots are read after the subscription is established so no change
// can fall into the gap between them.
func (r *RedisLivePresenceRepository) Subscribe(ctx context.Context, userIDs []uuid.UUID) (Subscription, error) {
	channels := make([]string, len(userIDs))
	for i, id := range userIDs {
		channels[i] = presenceChannel(id)
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable("subscribe presence", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan PresenceEvent, 64),
		done:   make(chan struct{}),
	}
	go sub.run(ctx, r, userIDs)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan PresenceEvent
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisSubscription) Events() <-chan PresenceEvent { return s.events }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	return s.pubsub.Close()
}

func (s *redisSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = err
	}
}

// run forwards the initial snapshots and then the live deltas. Every send
// and receive also watches ctx and Close, so the goroutine can never
// outlive its consumer: a resubscribing engine closes the old subscription
// and this loop exits even if it was blocked on a full events buffer.
func (s *redisSubscription) run(ctx context.Context, r *RedisLivePresenceRepository, userIDs []uuid.UUID) {
	defer close(s.events)

	// Initial snapshot for every id that already has a record.
	for _, id := range userIDs {
		record, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("presence snapshot read failed", "user_id", id, "error", err)
			continue
		}
		if !s.send(ctx, snapshotEvent(record)) {
			return
		}
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				// Channel closed without Close being called means the
				// transport died.
				s.fail(ErrSubscriptionDropped)
				return
			}
			var evt wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warn("dropping undecodable presence event", "channel", msg.Channel, "error", err)
				continue
			}
			if !s.send(ctx, PresenceEvent{UserID: evt.UserID, Update: evt.Update}) {
				return
			}
		}
	}
}

func (s *redisSubscription) send(ctx context.Context, event PresenceEvent) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		s.fail(ctx.Err())
		return false
	case <-s.done:
		return false
	}
}

func snapshotEvent(record *models.PresenceRecord) PresenceEvent {
	sharing := record.SharingEnabled
	terminated := record.Terminated
	update := models.PresenceUpdate{
		SharingEnabled: &sharing,
		Location:       record.Location,
		Terminated:     &terminated,
	}
	if !record.LastHeartbeatAt.IsZero() {
		hb := record.LastHeartbeatAt
		update.LastHeartbeatAt = &hb
	}
	return PresenceEvent{UserID: record.UserID, Update: update, Snapshot: true}
}

func decodeHash(userID uuid.UUID, fields map[string]string) (*models.PresenceRecord, error) {
	record := &models.PresenceRecord{UserID: userID}

	if v, ok := fields[fieldSharingEnabled]; ok {
		b, err := decodeBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedRecord, fieldSharingEnabled, v)
		}
		record.SharingEnabled = b
	}
	if v, ok := fields[fieldLocation]; ok && v != "" {
		var loc models.Location
		if err := json.Unmarshal([]byte(v), &loc); err != nil {
			return nil, fmt.Errorf("%w: bad location: %v", ErrMalformedRecord, err)
		}
		record.Location = &loc
	}
	if v, ok := fields[fieldLastHeartbeat]; ok {
		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedRecord, fieldLastHeartbeat, v)
		}
		record.LastHeartbeatAt = time.UnixMilli(millis)
	}
	if v, ok := fields[fieldTerminated]; ok {
		b, err := decodeBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedRecord, fieldTerminated, v)
		}
		record.Terminated = b
	}
	if v, ok := fields[fieldUpdatedAt]; ok {
		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q", ErrMalformedRecord, fieldUpdatedAt, v)
		}
		record.UpdatedAt = time.UnixMilli(millis)
	}

	return record, nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeBool(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("not a bool flag: %q", s)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// Helper: build Redis key and channel for a user's presence
func presenceKey(userID uuid.UUID) string {
	return presenceKeyPrefix + userID.String()
}

func presenceChannel(userID uuid.UUID) string {
	return presenceChannelPrefix + userID.String()
}
