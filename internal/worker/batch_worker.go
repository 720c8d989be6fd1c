package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// Sink writes queue items to durable storage.
type Sink[T any] interface {
	// Bulk writes the whole batch or nothing.
	Bulk(ctx context.Context, batch []T) error
	// One writes a single item. Used when Bulk fails.
	One(ctx context.Context, item T) error
}

// BatchWorker drains a Redis list into a Sink in batches. A failed bulk write
// falls back to row-by-row writes; rows that still fail go back on the queue.
type BatchWorker[T any] struct {
	rdb   *redis.Client
	queue string
	sink  Sink[T]
	log   zerolog.Logger

	batchSize      int
	batchTimeout   time.Duration
	pollTimeout    time.Duration
	requeueBackoff time.Duration
}

// NewBatchWorker creates a worker for queue.
func NewBatchWorker[T any](rdb *redis.Client, queue string, sink Sink[T], log zerolog.Logger) *BatchWorker[T] {
	return &BatchWorker[T]{
		rdb:            rdb,
		queue:          queue,
		sink:           sink,
		log:            log,
		batchSize:      BatchSize,
		batchTimeout:   BatchTimeout,
		pollTimeout:    PollTimeout,
		requeueBackoff: 2 * time.Second,
	}
}

// Start runs the loop until ctx is cancelled. Call in a goroutine.
func (w *BatchWorker[T]) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("Worker started")

	buffer := make([]T, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if ctx.Err() != nil {
			w.shutdown(buffer)
			return
		}

		if len(buffer) > 0 && (len(buffer) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			if requeued := w.flushSafe(ctx, buffer); requeued {
				// Avoid thrashing while the database is down.
				sleep(ctx, w.requeueBackoff)
			}
			buffer = buffer[:0]
			lastFlush = time.Now()
			continue
		}

		result, err := w.rdb.BLPop(ctx, w.pollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			// Malformed payloads can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

// flushSafe writes batch and reports whether any item had to be requeued.
func (w *BatchWorker[T]) flushSafe(ctx context.Context, batch []T) bool {
	if len(batch) == 0 {
		return false
	}
	if err := w.sink.Bulk(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		return w.fallback(ctx, batch)
	}
	w.log.Debug().Int("count", len(batch)).Msg("Batch flushed")
	return false
}

func (w *BatchWorker[T]) fallback(ctx context.Context, batch []T) bool {
	var failed []T
	for _, item := range batch {
		if err := w.sink.One(ctx, item); err != nil {
			w.log.Error().Err(err).Msg("Insert failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) == 0 {
		return false
	}
	w.requeue(ctx, failed)
	return true
}

// requeue pushes items back even when ctx is already cancelled.
func (w *BatchWorker[T]) requeue(ctx context.Context, items []T) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pipe := w.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
}

func (w *BatchWorker[T]) shutdown(buffer []T) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(ctx, buffer)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
