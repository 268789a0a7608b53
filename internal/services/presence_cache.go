package services

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

// PresenceCache is the single in-memory source of truth for rendering.
// Writes come only from the fan-out engine and the toggle arbiter, and are
// always field-level merges; the map is never replaced wholesale, so a
// friend-set refresh can never drop the local user's own entry.
type PresenceCache struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.PresenceRecord
}

func NewPresenceCache() *PresenceCache {
	return &PresenceCache{records: make(map[uuid.UUID]*models.PresenceRecord)}
}

// Upsert merges the partial update into the user's record, creating it if
// absent. It returns the merged record and whether anything changed, so
// callers can skip notifications for duplicate deliveries.
func (c *PresenceCache) Upsert(userID uuid.UUID, update models.PresenceUpdate) (models.PresenceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[userID]
	if !ok {
		record = &models.PresenceRecord{UserID: userID}
		c.records[userID] = record
		record.Apply(update)
		return record.Clone(), true
	}
	changed := record.Apply(update)
	return record.Clone(), changed
}

// Replace overwrites the user's whole record. Only the toggle arbiter uses
// it, to roll an optimistic update back to the exact pre-toggle state.
func (c *PresenceCache) Replace(record models.PresenceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := record.Clone()
	c.records[record.UserID] = &clone
}

func (c *PresenceCache) Get(userID uuid.UUID) (models.PresenceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[userID]
	if !ok {
		return models.PresenceRecord{}, false
	}
	return record.Clone(), true
}

// Remove deletes a record. Only called for the local user's own entry on
// explicit sign-out, never for friends.
func (c *PresenceCache) Remove(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, userID)
}

// Snapshot returns an immutable deep copy for UI consumption.
func (c *PresenceCache) Snapshot() map[uuid.UUID]models.PresenceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uuid.UUID]models.PresenceRecord, len(c.records))
	for id, record := range c.records {
		out[id] = record.Clone()
	}
	return out
}

func (c *PresenceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
