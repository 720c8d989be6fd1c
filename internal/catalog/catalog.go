// Package catalog serves test definitions and question banks from PostgreSQL
// through a Redis JSON cache.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"golang.org/x/sync/singleflight"
)

// CacheTTL bounds how long an edited test can be served stale.
const CacheTTL = 10 * time.Minute

// ErrTestNotFound is returned for an unknown test id.
var ErrTestNotFound = errors.New("test not found")

// QuestionSource is the durable question bank.
type QuestionSource interface {
	ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// TestSource is the durable test definition table.
type TestSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error)
}

// Service is the read-only Question Catalog. A nil Redis client disables caching.
type Service struct {
	questions QuestionSource
	tests     TestSource
	rdb       *redis.Client
	log       zerolog.Logger

	questionGroup singleflight.Group
	testGroup     singleflight.Group
}

// NewService creates a new catalog Service.
func NewService(questions QuestionSource, tests TestSource, rdb *redis.Client, log zerolog.Logger) *Service {
	return &Service{
		questions: questions,
		tests:     tests,
		rdb:       rdb,
		log:       log.With().Str("component", "catalog").Logger(),
	}
}

// Questions returns the servable questions of a test. Malformed entries are
// dropped and logged.
func (s *Service) Questions(ctx context.Context, testID uuid.UUID) ([]model.Question, error) {
	key := config.CacheKey.TestQuestionsKey(testID)

	var cached []model.Question
	if s.readCache(ctx, key, &cached) {
		return cached, nil
	}

	v, err, _ := s.questionGroup.Do(key, func() (any, error) {
		raw, err := s.questions.ListByTest(ctx, testID)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		valid := s.filterValid(testID, raw)
		s.writeCache(ctx, key, valid)
		return valid, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Question), nil
}

// Test returns a test definition.
func (s *Service) Test(ctx context.Context, testID uuid.UUID) (*model.TestDefinition, error) {
	key := config.CacheKey.TestDefinitionKey(testID)

	var cached model.TestDefinition
	if s.readCache(ctx, key, &cached) {
		return &cached, nil
	}

	v, err, _ := s.testGroup.Do(key, func() (any, error) {
		t, err := s.tests.GetByID(ctx, testID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get test: %w", err)
		}
		s.writeCache(ctx, key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.TestDefinition), nil
}

// Warm loads a test and its questions into the cache.
func (s *Service) Warm(ctx context.Context, testID uuid.UUID) error {
	if err := s.Invalidate(ctx, testID); err != nil {
		return err
	}
	if _, err := s.Test(ctx, testID); err != nil {
		return err
	}
	questions, err := s.Questions(ctx, testID)
	if err != nil {
		return err
	}

	s.log.Debug().
		Str("test_id", testID.String()).
		Int("questions", len(questions)).
		Msg("Cache warmed")
	return nil
}

// Invalidate drops the cached entries of a test.
func (s *Service) Invalidate(ctx context.Context, testID uuid.UUID) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, config.CacheKey.TestDefinitionKey(testID), config.CacheKey.TestQuestionsKey(testID)).Err()
}

func (s *Service) filterValid(testID uuid.UUID, questions []model.Question) []model.Question {
	valid := make([]model.Question, 0, len(questions))
	for _, q := range questions {
		if !q.Valid() {
			s.log.Warn().
				Str("test_id", testID.String()).
				Str("question_id", q.ID.String()).
				Int("options", len(q.Options)).
				Str("difficulty", string(q.Difficulty)).
				Msg("Malformed question skipped")
			continue
		}
		valid = append(valid, q)
	}
	return valid
}

func (s *Service) readCache(ctx context.Context, key string, dst any) bool {
	if s.rdb == nil {
		return false
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, loading from database")
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, loading from database")
		return false
	}
	return true
}

func (s *Service) writeCache(ctx context.Context, key string, v any) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, CacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
