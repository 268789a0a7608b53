package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresFriendRepository reads the authorized friend set from the
// friendships table the friend-graph service maintains. Read-only here.
type PostgresFriendRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresFriendRepository(pool *pgxpool.Pool) *PostgresFriendRepository {
	return &PostgresFriendRepository{pool: pool}
}

func (r *PostgresFriendRepository) GetFriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT friend_id FROM friendships
	          WHERE user_id = $1 AND accepted_at IS NOT NULL
	          ORDER BY friend_id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friend ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating friend ids: %w", err)
	}
	return ids, nil
}
