package adaptive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/store"
)

// HistorySource provides the final difficulties of a user's finished adaptive
// sessions, newest first.
type HistorySource interface {
	RecentFinalDifficulties(ctx context.Context, userID string, limit int) ([]model.Difficulty, error)
}

// Engine owns the persisted per-(user,test) adaptive state. It holds no
// session state of its own.
type Engine struct {
	store   store.Store
	history HistorySource
	rules   Rules
	depth   int
	now     func() time.Time
	log     zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, history HistorySource, policy config.Policy, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		history: history,
		rules:   RulesFromPolicy(policy),
		depth:   policy.HistoryDepth,
		now:     time.Now,
		log:     log.With().Str("component", "adaptive_engine").Logger(),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Initialize creates and persists a fresh state whose starting difficulty is
// derived from the user's recent finished sessions.
func (e *Engine) Initialize(ctx context.Context, userID string, testID uuid.UUID) (*model.AdaptiveState, error) {
	start := model.DifficultyMedium

	history, err := e.history.RecentFinalDifficulties(ctx, userID, e.depth)
	if err != nil {
		// History only seeds the first tier; a session can still start without it.
		e.log.Warn().Err(err).Str("user_id", userID).Msg("History unavailable, starting at medium")
	} else {
		start = StartingDifficulty(history)
	}

	now := e.now()
	state := &model.AdaptiveState{
		UserID:            userID,
		TestID:            testID,
		CurrentDifficulty: start,
		AskedQuestionIDs:  []uuid.UUID{},
		DifficultyFlow:    []model.FlowEntry{},
		StartedAt:         now,
		LastQuestionAt:    now,
	}

	if err := e.store.Set(ctx, config.CacheKey.AdaptiveStateKey(testID, userID), state, 0); err != nil {
		return nil, fmt.Errorf("persist adaptive state: %w", err)
	}

	e.log.Debug().
		Str("user_id", userID).
		Str("test_id", testID.String()).
		Str("difficulty", string(start)).
		Int("history", len(history)).
		Msg("Adaptive state initialized")
	return state, nil
}

// Resume loads the persisted state.
func (e *Engine) Resume(ctx context.Context, userID string, testID uuid.UUID) (*model.AdaptiveState, error) {
	var state model.AdaptiveState
	err := e.store.Get(ctx, config.CacheKey.AdaptiveStateKey(testID, userID), &state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load adaptive state: %w", err)
	}
	return &state, nil
}

// ProcessAnswer applies one answer to the persisted state as a single
// transactional read-modify-write and returns the new state.
func (e *Engine) ProcessAnswer(ctx context.Context, userID string, testID uuid.UUID, ans Answer) (*model.AdaptiveState, error) {
	var next model.AdaptiveState
	now := e.now()

	err := e.store.Update(ctx, config.CacheKey.AdaptiveStateKey(testID, userID), func(cur []byte, exists bool) (any, error) {
		if !exists {
			return nil, ErrStateNotFound
		}
		var state model.AdaptiveState
		if err := json.Unmarshal(cur, &state); err != nil {
			return nil, fmt.Errorf("decode adaptive state: %w", err)
		}

		applied, err := Apply(state, ans, e.rules, now)
		if err != nil {
			return nil, err
		}
		next = applied
		return &applied, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("user_id", userID).
		Str("question_id", ans.QuestionID.String()).
		Bool("correct", ans.Correct).
		Str("difficulty", string(next.CurrentDifficulty)).
		Msg("Answer processed")
	return &next, nil
}

// Clear removes the persisted state.
func (e *Engine) Clear(ctx context.Context, userID string, testID uuid.UUID) error {
	return e.store.Delete(ctx, config.CacheKey.AdaptiveStateKey(testID, userID))
}
