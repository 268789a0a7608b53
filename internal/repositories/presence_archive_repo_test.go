package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sundeep8967/groupsharing-presence/internal/models"
)

// getTestPool connects to the database named by TEST_DATABASE_URL, or
// skips. Schema comes from migrations/001_init.sql.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	return pool
}

func cleanupArchive(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	pool.Exec(ctx, `DELETE FROM presence_audit WHERE user_id = $1`, userID)
	pool.Exec(ctx, `DELETE FROM presence_archive WHERE user_id = $1`, userID)
}

func TestArchiveRepo_UpsertAndGet(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresPresenceArchiveRepository(pool)
	ctx := context.Background()

	userID := uuid.New()
	defer cleanupArchive(t, pool, userID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	record := &models.PresenceRecord{
		UserID:         userID,
		SharingEnabled: true,
		Location: &models.Location{
			Latitude:       12.9716,
			Longitude:      77.5946,
			AccuracyMeters: 10,
			CapturedAt:     now,
		},
		LastHeartbeatAt: now,
		UpdatedAt:       now,
	}
	require.NoError(t, repo.Upsert(ctx, record))

	retrieved, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.True(t, retrieved.SharingEnabled)
	require.NotNil(t, retrieved.Location)
	assert.InDelta(t, 12.9716, retrieved.Location.Latitude, 1e-9)
}

func TestArchiveRepo_StaleWriteLosesRace(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresPresenceArchiveRepository(pool)
	ctx := context.Background()

	userID := uuid.New()
	defer cleanupArchive(t, pool, userID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	newer := &models.PresenceRecord{UserID: userID, SharingEnabled: true, UpdatedAt: now}
	require.NoError(t, repo.Upsert(ctx, newer))

	// A mirror write carrying an older timestamp must lose
	older := &models.PresenceRecord{UserID: userID, SharingEnabled: false, UpdatedAt: now.Add(-time.Minute)}
	err := repo.Upsert(ctx, older)
	assert.ErrorIs(t, err, ErrStaleWrite)

	retrieved, err := repo.GetByUserID(ctx, userID)
	require.NoError(t, err)
	assert.True(t, retrieved.SharingEnabled, "newer value wins the race")
}

func TestArchiveRepo_HistoryNewestFirst(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresPresenceArchiveRepository(pool)
	ctx := context.Background()

	userID := uuid.New()
	defer cleanupArchive(t, pool, userID)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		record := &models.PresenceRecord{
			UserID:         userID,
			SharingEnabled: i%2 == 0,
			UpdatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Upsert(ctx, record))
	}

	history, err := repo.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].UpdatedAt.After(history[2].UpdatedAt))
}

func TestArchiveRepo_GetMissingReturnsNotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresPresenceArchiveRepository(pool)

	_, err := repo.GetByUserID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
