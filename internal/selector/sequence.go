package selector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Arrangement is the fixed presentation of a non-adaptive session: the
// question order and, per question, the option permutation where
// Options[id][shown] is the index of that option in the catalog entry.
type Arrangement struct {
	Order   []uuid.UUID         `json:"order"`
	Options map[uuid.UUID][]int `json:"options"`
}

// Shuffle draws a uniform permutation of the questions and an independent
// uniform permutation of each question's options.
func (s *Selector) Shuffle(questions []model.Question) Arrangement {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Arrangement{
		Order:   make([]uuid.UUID, len(questions)),
		Options: make(map[uuid.UUID][]int, len(questions)),
	}
	for i, q := range questions {
		a.Order[i] = q.ID
		a.Options[q.ID] = s.rand.Perm(len(q.Options))
	}
	s.rand.Shuffle(len(a.Order), func(i, j int) {
		a.Order[i], a.Order[j] = a.Order[j], a.Order[i]
	})
	return a
}

// Present returns q with its options in the arranged order and CorrectAnswer
// remapped to the shown position. Questions without a permutation are returned as is.
func (a Arrangement) Present(q model.Question) model.Question {
	perm, ok := a.Options[q.ID]
	if !ok || len(perm) != len(q.Options) {
		return q
	}

	out := q
	out.Options = make([]string, len(perm))
	for shown, orig := range perm {
		out.Options[shown] = q.Options[orig]
		if orig == q.CorrectAnswer {
			out.CorrectAnswer = shown
		}
	}
	return out
}

// Next walks the arrangement and returns the first unanswered question as
// presented. Ids no longer in the pool are skipped.
func (a Arrangement) Next(pool []model.Question, answered map[uuid.UUID]struct{}) (*model.Question, error) {
	byID := make(map[uuid.UUID]model.Question, len(pool))
	for _, q := range pool {
		byID[q.ID] = q
	}

	for _, id := range a.Order {
		if _, done := answered[id]; done {
			continue
		}
		q, ok := byID[id]
		if !ok {
			continue
		}
		presented := a.Present(q)
		return &presented, nil
	}
	return nil, ErrExhausted
}

// Sequence returns the next question of a non-adaptive session.
func (s *Selector) Sequence(ctx context.Context, testID uuid.UUID, a Arrangement, answered map[uuid.UUID]struct{}) (*model.Question, error) {
	pool, err := s.catalog.Questions(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load question bank: %w", err)
	}
	return a.Next(pool, answered)
}
