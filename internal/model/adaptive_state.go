package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowEntry records one answered question in serving order.
type FlowEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Difficulty   Difficulty    `json:"difficulty"`
	QuestionID   uuid.UUID     `json:"question_id"`
	WasCorrect   bool          `json:"was_correct"`
	ResponseTime time.Duration `json:"response_time"`
}

// AdaptiveState is the per-(user,test) difficulty state machine.
//
// Invariants: AskedQuestionIDs holds no duplicates, len(DifficultyFlow) equals
// len(AskedQuestionIDs), and WeightedScore never decreases.
type AdaptiveState struct {
	UserID            string      `json:"user_id"`
	TestID            uuid.UUID   `json:"test_id"`
	CurrentDifficulty Difficulty  `json:"current_difficulty"`
	CorrectStreak     int         `json:"correct_streak"`
	WrongStreak       int         `json:"wrong_streak"`
	AskedQuestionIDs  []uuid.UUID `json:"asked_question_ids"`
	Score             int         `json:"score"`
	WeightedScore     int         `json:"weighted_score"`
	DifficultyFlow    []FlowEntry `json:"difficulty_flow"`
	StartedAt         time.Time   `json:"started_at"`
	LastQuestionAt    time.Time   `json:"last_question_at"`
}

// Asked reports whether the question was already served in this session.
func (s *AdaptiveState) Asked(id uuid.UUID) bool {
	for _, asked := range s.AskedQuestionIDs {
		if asked == id {
			return true
		}
	}
	return false
}

// AskedSet returns the asked ids as a lookup set.
func (s *AdaptiveState) AskedSet() map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(s.AskedQuestionIDs))
	for _, id := range s.AskedQuestionIDs {
		set[id] = struct{}{}
	}
	return set
}

// Clone returns a deep copy so transitions never alias the caller's slices.
func (s AdaptiveState) Clone() AdaptiveState {
	out := s
	out.AskedQuestionIDs = append([]uuid.UUID(nil), s.AskedQuestionIDs...)
	out.DifficultyFlow = append([]FlowEntry(nil), s.DifficultyFlow...)
	return out
}

// TimerState is the persisted anchor of a session countdown. Remaining time is
// always derived from StartedAt and the test duration.
type TimerState struct {
	StartedAt time.Time `json:"started_at"`
}
