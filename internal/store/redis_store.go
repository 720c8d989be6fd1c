package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps documents as JSON strings in Redis. Transactional updates
// use WATCH/MULTI optimistic locking.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, path string, dst any) error {
	raw, err := s.rdb.Get(ctx, path).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return persistenceErr("get", path, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return persistenceErr("decode", path, err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, path string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistenceErr("encode", path, err)
	}
	if err := s.rdb.Set(ctx, path, raw, ttl).Err(); err != nil {
		return persistenceErr("set", path, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, paths...).Err(); err != nil {
		return persistenceErr("delete", paths[0], err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, path).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			current, exists = nil, false
		} else if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return &updateAbort{err: err}
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return &updateAbort{err: persistenceErr("encode", path, err)}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists {
				pipe.Set(ctx, path, raw, redis.KeepTTL)
			} else {
				pipe.Set(ctx, path, raw, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, path)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // Lost the race, read again.
		}
		var abort *updateAbort
		if errors.As(err, &abort) {
			return abort.err
		}
		return persistenceErr("update", path, err)
	}
	return ErrConflict
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, path string, v any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, persistenceErr("encode", path, err)
	}
	ok, err := s.rdb.SetNX(ctx, path, raw, ttl).Result()
	if err != nil {
		return false, persistenceErr("setnx", path, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, path string, expected any) (bool, error) {
	want, err := json.Marshal(expected)
	if err != nil {
		return false, persistenceErr("encode", path, err)
	}

	deleted := false
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, path).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, want) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, path)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, path)
		if err == nil {
			return deleted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, persistenceErr("compare-delete", path, err)
	}
	return false, ErrConflict
}

func (s *RedisStore) Push(ctx context.Context, queue string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistenceErr("encode", queue, err)
	}
	if err := s.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return persistenceErr("push", queue, err)
	}
	return nil
}
