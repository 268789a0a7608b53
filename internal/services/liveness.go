package services

import (
	"time"

	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

// DefaultStaleThreshold tolerates 4-8 missed heartbeats at a 15-30s
// heartbeat interval before a live marker degrades, absorbing normal
// network jitter without flapping to offline.
const DefaultStaleThreshold = 120 * time.Second

// Classify derives the three-state liveness for a record. Pure function;
// the termination flag overrides every other signal, and a stale heartbeat
// degrades to last-known rather than offline so transient network loss
// does not make friends vanish.
func Classify(record models.PresenceRecord, now time.Time, staleThreshold time.Duration) models.Liveness {
	if record.Terminated {
		return models.LivenessOffline
	}
	if !record.SharingEnabled {
		if record.Location != nil {
			return models.LivenessLastKnown
		}
		return models.LivenessOffline
	}
	if now.Sub(record.LastHeartbeatAt) > staleThreshold {
		return models.LivenessLastKnown
	}
	return models.LivenessLive
}
