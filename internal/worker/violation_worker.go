package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ViolationWriter stores integrity violations in integrity_violations.
type ViolationWriter struct {
	pool *pgxpool.Pool
}

// NewViolationWriter creates a ViolationWriter.
func NewViolationWriter(pool *pgxpool.Pool) *ViolationWriter {
	return &ViolationWriter{pool: pool}
}

// NewViolationWorker drains the violation queue into PostgreSQL.
func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.Violation] {
	return NewBatchWorker[model.Violation](
		rdb,
		config.WorkerKey.PersistViolationsQueue,
		NewViolationWriter(pool),
		log.With().Str("component", "violation_worker").Logger(),
	)
}

func (w *ViolationWriter) Bulk(ctx context.Context, batch []model.Violation) error {
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []any{v.TestID, v.UserID, v.Type, v.CumulativeCount, v.RecordedAt})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"integrity_violations"},
		[]string{"test_id", "user_id", "violation_type", "cumulative_count", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ViolationWriter) One(ctx context.Context, v model.Violation) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO integrity_violations (test_id, user_id, violation_type, cumulative_count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		v.TestID, v.UserID, v.Type, v.CumulativeCount, v.RecordedAt,
	)
	return err
}
