package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ResponseRepository handles final session results and the aggregate counters
// that move with them.
type ResponseRepository struct {
	pool *pgxpool.Pool
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

const responseColumns = `test_id, user_id, score, total_questions, answers, completed_at, time_spent,
	terminated_due_to_violations, weighted_score, final_difficulty, difficulty_flow`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResponse(row rowScanner) (*model.Response, error) {
	r := &model.Response{}
	var final *string
	if err := row.Scan(&r.TestID, &r.UserID, &r.Score, &r.TotalQuestions, &r.Answers, &r.CompletedAt,
		&r.TimeSpent, &r.TerminatedDueToViolations, &r.WeightedScore, &final, &r.DifficultyFlow); err != nil {
		return nil, err
	}
	if final != nil {
		d := model.Difficulty(*final)
		r.FinalDifficulty = &d
	}
	return r, nil
}

// Create inserts the Response and, in the same transaction, increments the
// test's attempt counter and the user's completed-test counter. When a
// Response already exists for (test,user) nothing is written and the stored
// row is returned with created=false.
func (r *ResponseRepository) Create(ctx context.Context, resp *model.Response) (stored *model.Response, created bool, err error) {
	var final *string
	if resp.FinalDifficulty != nil {
		s := string(*resp.FinalDifficulty)
		final = &s
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var inserted uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO responses (`+responseColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (test_id, user_id) DO NOTHING
			 RETURNING test_id`,
			resp.TestID, resp.UserID, resp.Score, resp.TotalQuestions, resp.Answers, resp.CompletedAt,
			resp.TimeSpent, resp.TerminatedDueToViolations, resp.WeightedScore, final, resp.DifficultyFlow,
		).Scan(&inserted)

		if errors.Is(err, pgx.ErrNoRows) {
			// Another submission got there first.
			stored, err = scanResponse(tx.QueryRow(ctx,
				`SELECT `+responseColumns+` FROM responses WHERE test_id = $1 AND user_id = $2`,
				resp.TestID, resp.UserID))
			return err
		}
		if err != nil {
			return fmt.Errorf("insert response: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO test_stats (test_id, attempts) VALUES ($1, 1)
			 ON CONFLICT (test_id) DO UPDATE SET attempts = test_stats.attempts + 1, updated_at = NOW()`,
			resp.TestID); err != nil {
			return fmt.Errorf("increment test attempts: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_stats (user_id, completed_tests) VALUES ($1, 1)
			 ON CONFLICT (user_id) DO UPDATE SET completed_tests = user_stats.completed_tests + 1, updated_at = NOW()`,
			resp.UserID); err != nil {
			return fmt.Errorf("increment user completions: %w", err)
		}

		stored, created = resp, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get retrieves the Response of (test,user). Returns pgx.ErrNoRows when absent.
func (r *ResponseRepository) Get(ctx context.Context, testID uuid.UUID, userID string) (*model.Response, error) {
	return scanResponse(r.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE test_id = $1 AND user_id = $2`,
		testID, userID))
}

// Delete removes the Response of (test,user). Counters are not rolled back.
func (r *ResponseRepository) Delete(ctx context.Context, testID uuid.UUID, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM responses WHERE test_id = $1 AND user_id = $2`, testID, userID)
	return err
}

// Attempts returns the attempt counter of a test.
func (r *ResponseRepository) Attempts(ctx context.Context, testID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT attempts FROM test_stats WHERE test_id = $1`, testID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
