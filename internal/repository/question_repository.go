package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// QuestionRepository handles question bank data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByTest retrieves every question of a test. Rows are returned as stored;
// validation happens in the catalog.
func (r *QuestionRepository) ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, text, COALESCE(image_url, ''), COALESCE(code, ''), COALESCE(language, ''),
		        options, correct_answer, difficulty, COALESCE(topic, '')
		 FROM questions WHERE test_id = $1
		 ORDER BY created_at, id`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var difficulty string
		if err := rows.Scan(&q.ID, &q.TestID, &q.Content.Text, &q.Content.ImageURL, &q.Content.Code, &q.Content.Language,
			&q.Options, &q.CorrectAnswer, &difficulty, &q.Topic); err != nil {
			return nil, err
		}
		q.Difficulty = model.Difficulty(difficulty)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateBatch inserts questions in one round trip.
func (r *QuestionRepository) CreateBatch(ctx context.Context, questions []model.Question) error {
	batch := &pgx.Batch{}
	for _, q := range questions {
		batch.Queue(
			`INSERT INTO questions (id, test_id, text, image_url, code, language, options, correct_answer, difficulty, topic)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''))
			 ON CONFLICT (id) DO NOTHING`,
			q.ID, q.TestID, q.Content.Text, q.Content.ImageURL, q.Content.Code, q.Content.Language,
			q.Options, q.CorrectAnswer, string(q.Difficulty), q.Topic,
		)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
