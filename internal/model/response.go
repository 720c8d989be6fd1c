package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerDetail is the graded record of one answered question.
type AnswerDetail struct {
	SelectedIndex int    `json:"selected_index"`
	SelectedValue string `json:"selected_value"`
	IsCorrect     bool   `json:"is_correct"`
}

// Response is the final, immutable result of a session. Its existence marks
// the session as complete.
type Response struct {
	TestID                    uuid.UUID                  `json:"test_id"`
	UserID                    string                     `json:"user_id"`
	Score                     int                        `json:"score"`
	TotalQuestions            int                        `json:"total_questions"`
	Answers                   map[uuid.UUID]AnswerDetail `json:"answers"`
	CompletedAt               time.Time                  `json:"completed_at"`
	TimeSpent                 int                        `json:"time_spent"`
	TerminatedDueToViolations bool                       `json:"terminated_due_to_violations"`
	WeightedScore             int                        `json:"weighted_score"`
	FinalDifficulty           *Difficulty                `json:"final_difficulty,omitempty"`
	DifficultyFlow            []FlowEntry                `json:"difficulty_flow,omitempty"`
}

// IsComplete is the strict completeness check applied before a stored
// Response is trusted as the completion marker. A forced termination may
// legitimately carry no answers.
func (r *Response) IsComplete() bool {
	if r == nil {
		return false
	}
	return (len(r.Answers) > 0 || r.TerminatedDueToViolations) &&
		!r.CompletedAt.IsZero() &&
		r.Score >= 0 &&
		r.TotalQuestions > 0
}
