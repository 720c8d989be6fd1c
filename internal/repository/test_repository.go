package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// TestRepository handles test definition data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a test definition. TotalQuestions is the configured
// session length capped by the size of the question bank.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	t := &model.TestDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT t.id, t.title, t.duration_minutes, t.window_start, t.window_end, t.is_adaptive,
		        LEAST(COALESCE(t.total_questions, b.n), b.n)
		 FROM tests t
		 CROSS JOIN LATERAL (SELECT COUNT(*)::int AS n FROM questions q WHERE q.test_id = t.id) b
		 WHERE t.id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.DurationMinutes, &t.WindowStart, &t.WindowEnd, &t.IsAdaptive, &t.TotalQuestions)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Upsert creates or replaces a test definition.
func (r *TestRepository) Upsert(ctx context.Context, t *model.TestDefinition) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tests (id, title, duration_minutes, window_start, window_end, is_adaptive, total_questions)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0))
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   duration_minutes = EXCLUDED.duration_minutes,
		   window_start = EXCLUDED.window_start,
		   window_end = EXCLUDED.window_end,
		   is_adaptive = EXCLUDED.is_adaptive,
		   total_questions = EXCLUDED.total_questions,
		   updated_at = NOW()`,
		t.ID, t.Title, t.DurationMinutes, t.WindowStart, t.WindowEnd, t.IsAdaptive, t.TotalQuestions,
	)
	return err
}

// ListOpenIDs returns the tests whose window has not closed at now.
func (r *TestRepository) ListOpenIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM tests WHERE window_end IS NULL OR window_end > $1 ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
