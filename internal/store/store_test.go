package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	N    int    `json:"n"`
	Name string `json:"name"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var got doc
			assert.ErrorIs(t, s.Get(ctx, "missing", &got), ErrNotFound)

			require.NoError(t, s.Set(ctx, "a", doc{N: 1, Name: "x"}, 0))
			require.NoError(t, s.Get(ctx, "a", &got))
			assert.Equal(t, doc{N: 1, Name: "x"}, got)

			require.NoError(t, s.Delete(ctx, "a", "never-existed"))
			assert.ErrorIs(t, s.Get(ctx, "a", &got), ErrNotFound)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.Update(ctx, "counter", func(cur []byte, exists bool) (any, error) {
				assert.False(t, exists)
				assert.Nil(t, cur)
				return doc{N: 1}, nil
			})
			require.NoError(t, err)

			boom := errors.New("boom")
			err = s.Update(ctx, "counter", func(cur []byte, exists bool) (any, error) {
				return nil, boom
			})
			assert.ErrorIs(t, err, boom)

			var got doc
			require.NoError(t, s.Get(ctx, "counter", &got))
			assert.Equal(t, 1, got.N, "aborted update must not write")
		})
	}
}

func TestStoreUpdateIsAtomicUnderContention(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers, perWorker = 4, 10

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						err := s.Update(ctx, "hits", func(cur []byte, exists bool) (any, error) {
							var d doc
							if exists {
								if err := json.Unmarshal(cur, &d); err != nil {
									return nil, err
								}
							}
							d.N++
							return d, nil
						})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			var got doc
			require.NoError(t, s.Get(ctx, "hits", &got))
			assert.Equal(t, workers*perWorker, got.N)
		})
	}
}

func TestStoreSetIfAbsentAndCompareAndDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.SetIfAbsent(ctx, "lease", "owner-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetIfAbsent(ctx, "lease", "owner-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			deleted, err := s.CompareAndDelete(ctx, "lease", "owner-b")
			require.NoError(t, err)
			assert.False(t, deleted)

			deleted, err = s.CompareAndDelete(ctx, "lease", "owner-a")
			require.NoError(t, err)
			assert.True(t, deleted)

			var owner string
			assert.ErrorIs(t, s.Get(ctx, "lease", &owner), ErrNotFound)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, s.Update(ctx, "k", func([]byte, bool) (any, error) { return 2, nil }))

	now = now.Add(59 * time.Second)
	var v int
	require.NoError(t, s.Get(ctx, "k", &v))
	assert.Equal(t, 2, v)

	now = now.Add(time.Second)
	assert.ErrorIs(t, s.Get(ctx, "k", &v), ErrNotFound)
}

func TestRedisStoreKeepsTTLOnUpdateAndPushes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, time.Hour))
	require.NoError(t, s.Update(ctx, "k", func([]byte, bool) (any, error) { return 2, nil }))
	assert.Equal(t, time.Hour, mr.TTL("k"))

	require.NoError(t, s.Push(ctx, "q", doc{N: 7}))
	items, err := mr.List("q")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"n":7,"name":""}`, items[0])
}

func TestRedisStoreWrapsIOErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisStore(rdb)
	mr.Close()

	var v int
	err := s.Get(context.Background(), "k", &v)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDrain(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Push(context.Background(), "q", 1))
	require.NoError(t, s.Push(context.Background(), "q", 2))

	assert.Len(t, s.Drain("q"), 2)
	assert.Empty(t, s.Drain("q"))
}
