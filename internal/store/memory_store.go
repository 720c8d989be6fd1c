package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	queues  map[string][][]byte
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		queues:  make(map[string][][]byte),
		now:     time.Now,
	}
}

// WithClock swaps the clock used for TTL expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(path string) ([]byte, bool) {
	e, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, path)
		return nil, false
	}
	return e.raw, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, path string, dst any) error {
	s.mu.Lock()
	raw, ok := s.lookup(path)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return persistenceErr("decode", path, err)
	}
	return nil
}

func (s *MemoryStore) Set(_ context.Context, path string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistenceErr("encode", path, err)
	}
	s.mu.Lock()
	s.entries[path] = memoryEntry{raw: raw, expires: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, paths ...string) error {
	s.mu.Lock()
	for _, p := range paths {
		delete(s.entries, p)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.lookup(path)
	next, err := fn(current, exists)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return persistenceErr("encode", path, err)
	}

	entry := memoryEntry{raw: raw}
	if exists {
		entry.expires = s.entries[path].expires
	}
	s.entries[path] = entry
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, path string, v any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, persistenceErr("encode", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(path); ok {
		return false, nil
	}
	s.entries[path] = memoryEntry{raw: raw, expires: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, path string, expected any) (bool, error) {
	want, err := json.Marshal(expected)
	if err != nil {
		return false, persistenceErr("encode", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookup(path)
	if !ok || !bytes.Equal(current, want) {
		return false, nil
	}
	delete(s.entries, path)
	return true, nil
}

func (s *MemoryStore) Push(_ context.Context, queue string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistenceErr("encode", queue, err)
	}
	s.mu.Lock()
	s.queues[queue] = append(s.queues[queue], raw)
	s.mu.Unlock()
	return nil
}

// Drain removes and returns everything pushed to queue.
func (s *MemoryStore) Drain(queue string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queues[queue]
	delete(s.queues, queue)
	return items
}
