package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// HistoryRepository reads the archived outcome of finished adaptive sessions.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

// RecentFinalDifficulties returns the final difficulty of the user's last
// limit finished adaptive sessions, newest first.
func (r *HistoryRepository) RecentFinalDifficulties(ctx context.Context, userID string, limit int) ([]model.Difficulty, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT final_difficulty FROM responses
		 WHERE user_id = $1 AND final_difficulty IS NOT NULL
		 ORDER BY completed_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Difficulty
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, model.Difficulty(d))
	}
	return out, rows.Err()
}
