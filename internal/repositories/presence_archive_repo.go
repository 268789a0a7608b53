package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

// PostgresPresenceArchiveRepository mirrors the live presence fields into a
// durable row per user plus an append-only audit trail. The live store
// stays authoritative; the archive exists for persistence and audit reads.
type PostgresPresenceArchiveRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresPresenceArchiveRepository(pool *pgxpool.Pool) *PostgresPresenceArchiveRepository {
	return &PostgresPresenceArchiveRepository{pool: pool}
}

// Upsert writes the record, guarded so an older mirror write can never
// overwrite a newer one. A write that loses the timestamp race returns
// ErrStaleWrite; callers discard it since the newer value already won.
func (r *PostgresPresenceArchiveRepository) Upsert(ctx context.Context, record *models.PresenceRecord) error {
	query := `INSERT INTO presence_archive
	              (user_id, sharing_enabled, latitude, longitude, accuracy_meters,
	               captured_at, last_heartbeat_at, terminated, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (user_id) DO UPDATE
	          SET sharing_enabled   = EXCLUDED.sharing_enabled,
	              latitude          = EXCLUDED.latitude,
	              longitude         = EXCLUDED.longitude,
	              accuracy_meters   = EXCLUDED.accuracy_meters,
	              captured_at       = EXCLUDED.captured_at,
	              last_heartbeat_at = EXCLUDED.last_heartbeat_at,
	              terminated        = EXCLUDED.terminated,
	              updated_at        = EXCLUDED.updated_at
	          WHERE presence_archive.updated_at <= EXCLUDED.updated_at`

	lat, lng, accuracy, capturedAt := locationColumns(record.Location)

	result, err := r.pool.Exec(ctx, query,
		record.UserID,
		record.SharingEnabled,
		lat, lng, accuracy, capturedAt,
		nullableTime(record.LastHeartbeatAt),
		record.Terminated,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert presence archive: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}

	audit := `INSERT INTO presence_audit
	              (user_id, sharing_enabled, latitude, longitude, accuracy_meters,
	               captured_at, last_heartbeat_at, terminated, recorded_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.pool.Exec(ctx, audit,
		record.UserID,
		record.SharingEnabled,
		lat, lng, accuracy, capturedAt,
		nullableTime(record.LastHeartbeatAt),
		record.Terminated,
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to append presence audit: %w", err)
	}
	return nil
}

func (r *PostgresPresenceArchiveRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.PresenceRecord, error) {
	query := `SELECT user_id, sharing_enabled, latitude, longitude, accuracy_meters,
	                 captured_at, last_heartbeat_at, terminated, updated_at
	          FROM presence_archive
	          WHERE user_id = $1`

	record, err := scanArchiveRow(r.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence archive: %w", err)
	}
	return record, nil
}

// History returns the most recent audit entries for a user, newest first.
func (r *PostgresPresenceArchiveRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.PresenceRecord, error) {
	query := `SELECT user_id, sharing_enabled, latitude, longitude, accuracy_meters,
	                 captured_at, last_heartbeat_at, terminated, recorded_at
	          FROM presence_audit
	          WHERE user_id = $1
	          ORDER BY recorded_at DESC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query presence history: %w", err)
	}
	defer rows.Close()

	var records []*models.PresenceRecord
	for rows.Next() {
		record, err := scanArchiveRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence history row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presence history: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchiveRow(row rowScanner) (*models.PresenceRecord, error) {
	var (
		record     models.PresenceRecord
		lat        *float64
		lng        *float64
		accuracy   *float64
		capturedAt *time.Time
		heartbeat  *time.Time
	)
	err := row.Scan(
		&record.UserID,
		&record.SharingEnabled,
		&lat, &lng, &accuracy, &capturedAt,
		&heartbeat,
		&record.Terminated,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil && capturedAt != nil {
		record.Location = &models.Location{
			Latitude:   *lat,
			Longitude:  *lng,
			CapturedAt: *capturedAt,
		}
		if accuracy != nil {
			record.Location.AccuracyMeters = *accuracy
		}
	}
	if heartbeat != nil {
		record.LastHeartbeatAt = *heartbeat
	}
	return &record, nil
}

func locationColumns(loc *models.Location) (lat, lng, accuracy *float64, capturedAt *time.Time) {
	if loc == nil {
		return nil, nil, nil, nil
	}
	return &loc.Latitude, &loc.Longitude, &loc.AccuracyMeters, &loc.CapturedAt
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
