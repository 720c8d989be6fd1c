package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Drainer empties an in-process queue.
type Drainer interface {
	Drain(queue string) [][]byte
}

// Pump moves items from an in-process queue into sink every interval until
// ctx is cancelled. It serves the memory store backend, which has no Redis
// list for a BatchWorker to block on.
func Pump[T any](ctx context.Context, src Drainer, queue string, sink Sink[T], interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		raw := src.Drain(queue)
		if len(raw) == 0 {
			return
		}
		batch := make([]T, 0, len(raw))
		for _, r := range raw {
			var item T
			if err := json.Unmarshal(r, &item); err != nil {
				log.Error().Err(err).Str("data", string(r)).Msg("Discarding malformed JSON")
				continue
			}
			batch = append(batch, item)
		}
		if err := sink.Bulk(ctx, batch); err != nil {
			log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
			for _, item := range batch {
				if err := sink.One(ctx, item); err != nil {
					log.Error().Err(err).Msg("Insert failed, item dropped")
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
		}
	}
}
