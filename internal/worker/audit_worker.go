package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// AuditWriter archives discarded incomplete responses in response_audit.
type AuditWriter struct {
	pool *pgxpool.Pool
}

// NewAuditWriter creates an AuditWriter.
func NewAuditWriter(pool *pgxpool.Pool) *AuditWriter {
	return &AuditWriter{pool: pool}
}

// NewAuditWorker drains the response audit queue into PostgreSQL.
func NewAuditWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *BatchWorker[model.ResponseAudit] {
	return NewBatchWorker[model.ResponseAudit](
		rdb,
		config.WorkerKey.PersistResponseAuditsQueue,
		NewAuditWriter(pool),
		log.With().Str("component", "audit_worker").Logger(),
	)
}

func (w *AuditWriter) Bulk(ctx context.Context, batch []model.ResponseAudit) error {
	n := len(batch)
	testIDs := make([]uuid.UUID, 0, n)
	userIDs := make([]string, 0, n)
	reasons := make([]string, 0, n)
	payloads := make([][]byte, 0, n)
	discardedAts := make([]time.Time, 0, n)

	for _, a := range batch {
		raw, err := json.Marshal(a.Response)
		if err != nil {
			return err
		}
		testIDs = append(testIDs, a.TestID)
		userIDs = append(userIDs, a.UserID)
		reasons = append(reasons, a.Reason)
		payloads = append(payloads, raw)
		discardedAts = append(discardedAts, a.DiscardedAt)
	}

	query := `
		INSERT INTO response_audit (test_id, user_id, reason, payload, discarded_at)
		SELECT u.test_id, u.user_id, u.reason, u.payload, u.discarded_at
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::text[],
			$4::jsonb[],
			$5::timestamptz[]
		) AS u (test_id, user_id, reason, payload, discarded_at)
	`
	_, err := w.pool.Exec(ctx, query, testIDs, userIDs, reasons, payloads, discardedAts)
	return err
}

func (w *AuditWriter) One(ctx context.Context, a model.ResponseAudit) error {
	raw, err := json.Marshal(a.Response)
	if err != nil {
		return err
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO response_audit (test_id, user_id, reason, payload, discarded_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		a.TestID, a.UserID, a.Reason, raw, a.DiscardedAt,
	)
	return err
}
