package adaptive

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

var (
	// ErrStateNotFound means no adaptive state is persisted; the caller must reinitialize.
	ErrStateNotFound = errors.New("adaptive state not found")
	// ErrDuplicateAnswer means the question was already answered in this session.
	ErrDuplicateAnswer = errors.New("question already answered in this session")
)

// Outcome is the graded result of one answer.
type Outcome int

const (
	OutcomeWrong Outcome = iota
	OutcomeCorrect
)

func outcomeOf(correct bool) Outcome {
	if correct {
		return OutcomeCorrect
	}
	return OutcomeWrong
}

type step struct {
	from    model.Difficulty
	outcome Outcome
}

// transitions is the difficulty a session moves to once the streak rule for
// (difficulty, outcome) fires. Hard is a ceiling and easy a floor.
var transitions = map[step]model.Difficulty{
	{model.DifficultyEasy, OutcomeCorrect}:   model.DifficultyMedium,
	{model.DifficultyMedium, OutcomeCorrect}: model.DifficultyHard,
	{model.DifficultyHard, OutcomeCorrect}:   model.DifficultyHard,
	{model.DifficultyEasy, OutcomeWrong}:     model.DifficultyEasy,
	{model.DifficultyMedium, OutcomeWrong}:   model.DifficultyEasy,
	{model.DifficultyHard, OutcomeWrong}:     model.DifficultyMedium,
}

// Rules are the streak thresholds of the state machine.
type Rules struct {
	PromoteAfter   int
	DemoteAfter    int
	SkipWindow     int
	SkipMinCorrect int
}

// RulesFromPolicy extracts the transition rules from the engine policy.
func RulesFromPolicy(p config.Policy) Rules {
	return Rules{
		PromoteAfter:   p.PromoteAfter,
		DemoteAfter:    p.DemoteAfter,
		SkipWindow:     p.SkipWindow,
		SkipMinCorrect: p.SkipMinCorrect,
	}
}

// DefaultRules returns the rules of config.DefaultPolicy.
func DefaultRules() Rules {
	return RulesFromPolicy(config.DefaultPolicy())
}

// Answer is one graded answer fed into the state machine.
type Answer struct {
	QuestionID   uuid.UUID
	Correct      bool
	ResponseTime time.Duration
}

// Next returns the difficulty after the streak rule for (from, outcome) fires.
func Next(from model.Difficulty, outcome Outcome) model.Difficulty {
	if next, ok := transitions[step{from, outcome}]; ok {
		return next
	}
	return from
}

// Apply is the pure state transition for one answer. The input state is not modified.
func Apply(state model.AdaptiveState, ans Answer, rules Rules, now time.Time) (model.AdaptiveState, error) {
	if state.Asked(ans.QuestionID) {
		return state, ErrDuplicateAnswer
	}

	next := state.Clone()
	served := state.CurrentDifficulty

	if ans.Correct {
		next.CorrectStreak++
		next.WrongStreak = 0
		next.Score++
		next.WeightedScore += served.Weight()

		if next.CorrectStreak >= rules.PromoteAfter {
			target := Next(served, OutcomeCorrect)
			if skipLevel(state.DifficultyFlow, served, rules) {
				target = model.DifficultyHard
			}
			next.CurrentDifficulty = target
			next.CorrectStreak = 0
		}
	} else {
		next.WrongStreak++
		next.CorrectStreak = 0

		if next.WrongStreak >= rules.DemoteAfter {
			next.CurrentDifficulty = Next(served, OutcomeWrong)
			next.WrongStreak = 0
		}
	}

	next.DifficultyFlow = append(next.DifficultyFlow, model.FlowEntry{
		Timestamp:    now,
		Difficulty:   served,
		QuestionID:   ans.QuestionID,
		WasCorrect:   ans.Correct,
		ResponseTime: ans.ResponseTime,
	})
	next.AskedQuestionIDs = append(next.AskedQuestionIDs, ans.QuestionID)
	next.LastQuestionAt = now

	return next, nil
}

// skipLevel reports whether an easy session has proven itself enough to jump
// straight to hard: the last SkipWindow flow entries are all easy and at least
// SkipMinCorrect of them were correct.
func skipLevel(flow []model.FlowEntry, current model.Difficulty, rules Rules) bool {
	if current != model.DifficultyEasy || rules.SkipWindow <= 0 || len(flow) < rules.SkipWindow {
		return false
	}

	correct := 0
	for _, e := range flow[len(flow)-rules.SkipWindow:] {
		if e.Difficulty != model.DifficultyEasy {
			return false
		}
		if e.WasCorrect {
			correct++
		}
	}
	return correct >= rules.SkipMinCorrect
}

// StartingDifficulty maps the final difficulties of recent sessions to the
// tier a new session starts at. No history starts at medium.
func StartingDifficulty(history []model.Difficulty) model.Difficulty {
	sum, n := 0, 0
	for _, d := range history {
		if r := d.Rank(); r > 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return model.DifficultyMedium
	}

	avg := float64(sum) / float64(n)
	switch {
	case avg >= 2.5:
		return model.DifficultyHard
	case avg >= 1.5:
		return model.DifficultyMedium
	default:
		return model.DifficultyEasy
	}
}
