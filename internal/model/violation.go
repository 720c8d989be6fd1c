package model

import (
	"time"

	"github.com/google/uuid"
)

// Violation is an integrity event reported by the client-side monitor.
type Violation struct {
	TestID          uuid.UUID `json:"test_id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	CumulativeCount int       `json:"cumulative_count"`
	RecordedAt      time.Time `json:"recorded_at"`
}
