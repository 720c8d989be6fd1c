// Package selector picks the next question of a session from the test's
// question bank.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrExhausted signals that every question of the test has been served.
// It is the natural completion signal of a session, not a failure.
var ErrExhausted = errors.New("no unseen questions left")

// Catalog is the read-only question bank.
type Catalog interface {
	Questions(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// fallbackOrder is the tier order tried when the current tier has nothing unseen.
var fallbackOrder = map[model.Difficulty][]model.Difficulty{
	model.DifficultyEasy:   {model.DifficultyMedium, model.DifficultyHard},
	model.DifficultyMedium: {model.DifficultyEasy, model.DifficultyHard},
	model.DifficultyHard:   {model.DifficultyMedium, model.DifficultyEasy},
}

// Strategy generates a candidate set. Strategies are tried in order and the
// first non-empty set wins.
type Strategy struct {
	Name       string
	Candidates func(unseen []model.Question, current model.Difficulty) []model.Question
}

// DefaultStrategies is exact tier, then fallback tiers, then anything unseen.
var DefaultStrategies = []Strategy{
	{
		Name: "exact",
		Candidates: func(unseen []model.Question, current model.Difficulty) []model.Question {
			return byDifficulty(unseen, current)
		},
	},
	{
		Name: "fallback",
		Candidates: func(unseen []model.Question, current model.Difficulty) []model.Question {
			for _, d := range fallbackOrder[current] {
				if c := byDifficulty(unseen, d); len(c) > 0 {
					return c
				}
			}
			return nil
		},
	},
	{
		Name: "any",
		Candidates: func(unseen []model.Question, _ model.Difficulty) []model.Question {
			return unseen
		},
	},
}

// Selection is a picked question and the strategy that produced it.
type Selection struct {
	Question *model.Question
	Strategy string
}

// Selector picks questions uniformly at random among the winning candidates.
type Selector struct {
	catalog    Catalog
	strategies []Strategy

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a Selector seeded from the clock.
func New(catalog Catalog) *Selector {
	return NewSeeded(catalog, time.Now().UnixNano())
}

// NewSeeded creates a Selector with a fixed seed for reproducible picks.
func NewSeeded(catalog Catalog, seed int64) *Selector {
	return &Selector{
		catalog:    catalog,
		strategies: DefaultStrategies,
		rand:       rand.New(rand.NewSource(seed)),
	}
}

// SelectNext returns the next question for an adaptive session, or ErrExhausted.
func (s *Selector) SelectNext(ctx context.Context, testID uuid.UUID, state *model.AdaptiveState) (*Selection, error) {
	pool, err := s.catalog.Questions(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load question bank: %w", err)
	}
	return s.Pick(pool, state)
}

// Pick runs the strategies against an already loaded pool.
func (s *Selector) Pick(pool []model.Question, state *model.AdaptiveState) (*Selection, error) {
	asked := state.AskedSet()
	unseen := make([]model.Question, 0, len(pool))
	for _, q := range pool {
		if _, ok := asked[q.ID]; !ok {
			unseen = append(unseen, q)
		}
	}
	if len(unseen) == 0 {
		return nil, ErrExhausted
	}

	for _, strategy := range s.strategies {
		candidates := strategy.Candidates(unseen, state.CurrentDifficulty)
		if len(candidates) == 0 {
			continue
		}
		q := candidates[s.intn(len(candidates))]
		return &Selection{Question: &q, Strategy: strategy.Name}, nil
	}
	return nil, ErrExhausted
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}

func byDifficulty(questions []model.Question, d model.Difficulty) []model.Question {
	var out []model.Question
	for _, q := range questions {
		if q.Difficulty == d {
			out = append(out, q)
		}
	}
	return out
}
