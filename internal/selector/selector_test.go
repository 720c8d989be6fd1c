package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog struct {
	questions []model.Question
	err       error
}

func (c *staticCatalog) Questions(context.Context, uuid.UUID) ([]model.Question, error) {
	return c.questions, c.err
}

func question(d model.Difficulty) model.Question {
	return model.Question{
		ID:            uuid.New(),
		Content:       model.QuestionContent{Text: "q"},
		Options:       []string{"a", "b", "c", "d"},
		CorrectAnswer: 2,
		Difficulty:    d,
	}
}

func pool(counts map[model.Difficulty]int) []model.Question {
	var out []model.Question
	for _, d := range model.Difficulties {
		for i := 0; i < counts[d]; i++ {
			out = append(out, question(d))
		}
	}
	return out
}

func stateWith(d model.Difficulty, asked ...model.Question) *model.AdaptiveState {
	s := &model.AdaptiveState{CurrentDifficulty: d}
	for _, q := range asked {
		s.AskedQuestionIDs = append(s.AskedQuestionIDs, q.ID)
	}
	return s
}

func TestPickPrefersCurrentDifficulty(t *testing.T) {
	s := NewSeeded(nil, 1)
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 3, model.DifficultyMedium: 3, model.DifficultyHard: 3})

	for i := 0; i < 50; i++ {
		sel, err := s.Pick(questions, stateWith(model.DifficultyHard))
		require.NoError(t, err)
		assert.Equal(t, model.DifficultyHard, sel.Question.Difficulty)
		assert.Equal(t, "exact", sel.Strategy)
	}
}

func TestPickFallbackOrder(t *testing.T) {
	tests := []struct {
		current model.Difficulty
		counts  map[model.Difficulty]int
		want    model.Difficulty
	}{
		{model.DifficultyEasy, map[model.Difficulty]int{model.DifficultyMedium: 1, model.DifficultyHard: 1}, model.DifficultyMedium},
		{model.DifficultyEasy, map[model.Difficulty]int{model.DifficultyHard: 1}, model.DifficultyHard},
		{model.DifficultyMedium, map[model.Difficulty]int{model.DifficultyEasy: 1, model.DifficultyHard: 1}, model.DifficultyEasy},
		{model.DifficultyMedium, map[model.Difficulty]int{model.DifficultyHard: 1}, model.DifficultyHard},
		{model.DifficultyHard, map[model.Difficulty]int{model.DifficultyEasy: 1, model.DifficultyMedium: 1}, model.DifficultyMedium},
		{model.DifficultyHard, map[model.Difficulty]int{model.DifficultyEasy: 1}, model.DifficultyEasy},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.want), func(t *testing.T) {
			sel, err := NewSeeded(nil, 7).Pick(pool(tt.counts), stateWith(tt.current))
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Question.Difficulty)
			assert.Equal(t, "fallback", sel.Strategy)
		})
	}
}

func TestPickAnyUnseenForUnknownTier(t *testing.T) {
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 1})

	sel, err := NewSeeded(nil, 3).Pick(questions, stateWith("")) // no fallback entry
	require.NoError(t, err)
	assert.Equal(t, "any", sel.Strategy)
	assert.Equal(t, questions[0].ID, sel.Question.ID)
}

func TestPickNeverRepeatsAndExhausts(t *testing.T) {
	s := NewSeeded(nil, 11)
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 2, model.DifficultyMedium: 2, model.DifficultyHard: 2})
	state := stateWith(model.DifficultyMedium)

	seen := map[uuid.UUID]bool{}
	for range questions {
		sel, err := s.Pick(questions, state)
		require.NoError(t, err)
		assert.False(t, seen[sel.Question.ID], "question served twice")
		seen[sel.Question.ID] = true
		state.AskedQuestionIDs = append(state.AskedQuestionIDs, sel.Question.ID)
	}

	_, err := s.Pick(questions, state)
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = s.Pick(nil, stateWith(model.DifficultyEasy))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestPickIsReproducibleWithSeed(t *testing.T) {
	questions := pool(map[model.Difficulty]int{model.DifficultyMedium: 20})

	draw := func() []uuid.UUID {
		s := NewSeeded(nil, 99)
		var ids []uuid.UUID
		for i := 0; i < 10; i++ {
			sel, err := s.Pick(questions, stateWith(model.DifficultyMedium))
			require.NoError(t, err)
			ids = append(ids, sel.Question.ID)
		}
		return ids
	}

	assert.Equal(t, draw(), draw())
}

func TestPickIsSpreadAcrossCandidates(t *testing.T) {
	s := NewSeeded(nil, 5)
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 4})

	hits := map[uuid.UUID]int{}
	for i := 0; i < 4000; i++ {
		sel, err := s.Pick(questions, stateWith(model.DifficultyEasy))
		require.NoError(t, err)
		hits[sel.Question.ID]++
	}

	require.Len(t, hits, 4)
	for _, n := range hits {
		assert.InDelta(t, 1000, n, 150)
	}
}

func TestSelectNextLoadsCatalog(t *testing.T) {
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 1})
	s := NewSeeded(&staticCatalog{questions: questions}, 1)

	sel, err := s.SelectNext(context.Background(), uuid.New(), stateWith(model.DifficultyEasy))
	require.NoError(t, err)
	assert.Equal(t, questions[0].ID, sel.Question.ID)

	boom := errors.New("catalog down")
	_, err = NewSeeded(&staticCatalog{err: boom}, 1).SelectNext(context.Background(), uuid.New(), stateWith(model.DifficultyEasy))
	assert.ErrorIs(t, err, boom)
}

func TestShuffleRemapsCorrectAnswer(t *testing.T) {
	s := NewSeeded(nil, 21)
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 10})
	questions[0].Options = []string{"a", "b", "c", "d", "e"}

	a := s.Shuffle(questions)
	require.Len(t, a.Order, len(questions))
	assert.ElementsMatch(t, idsOf(questions), a.Order)

	for _, q := range questions {
		shown := a.Present(q)
		assert.ElementsMatch(t, q.Options, shown.Options)
		assert.Equal(t, q.Options[q.CorrectAnswer], shown.Options[shown.CorrectAnswer])
		assert.True(t, shown.Valid())
	}
}

func TestShuffleOrderIsUniform(t *testing.T) {
	s := NewSeeded(nil, 8)
	questions := pool(map[model.Difficulty]int{model.DifficultyMedium: 3})

	firsts := map[uuid.UUID]int{}
	for i := 0; i < 3000; i++ {
		firsts[s.Shuffle(questions).Order[0]]++
	}
	require.Len(t, firsts, 3)
	for _, n := range firsts {
		assert.InDelta(t, 1000, n, 150)
	}
}

func TestSequenceWalksArrangement(t *testing.T) {
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 3})
	s := NewSeeded(&staticCatalog{questions: questions}, 4)
	a := s.Shuffle(questions)
	ctx := context.Background()

	answered := map[uuid.UUID]struct{}{}
	for i := range a.Order {
		q, err := s.Sequence(ctx, uuid.New(), a, answered)
		require.NoError(t, err)
		assert.Equal(t, a.Order[i], q.ID)
		answered[q.ID] = struct{}{}
	}

	_, err := s.Sequence(ctx, uuid.New(), a, answered)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestArrangementSkipsRemovedQuestions(t *testing.T) {
	questions := pool(map[model.Difficulty]int{model.DifficultyEasy: 2})
	a := Arrangement{Order: []uuid.UUID{uuid.New(), questions[1].ID}}

	q, err := a.Next(questions, nil)
	require.NoError(t, err)
	assert.Equal(t, questions[1].ID, q.ID)
	assert.Equal(t, questions[1].Options, q.Options)
}

func idsOf(questions []model.Question) []uuid.UUID {
	ids := make([]uuid.UUID, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	return ids
}
