package repositories

import "errors"

var (
	// ErrNotFound is returned when no record exists for the requested id.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks a transient transport failure. The caller
	// decides whether to retry; repositories never retry silently.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrPermissionDenied marks a fatal authorization failure for one
	// operation. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStaleWrite is returned when a field-level write lost a timestamp
	// race to a newer value. The newer value wins; callers discard.
	ErrStaleWrite = errors.New("stale write superseded by newer value")

	// ErrSubscriptionDropped is reported by a subscription whose transport
	// disconnected. The consumer resubscribes and must treat the next
	// snapshot as authoritative rather than assuming delta continuity.
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrMalformedRecord is returned when stored data does not decode into
	// a presence record. Surfaced loudly instead of propagating nils.
	ErrMalformedRecord = errors.New("malformed presence record")
)
