package model

import (
	"time"

	"github.com/google/uuid"
)

// TestDefinition is the read-only metadata of a test.
type TestDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty"`
	IsAdaptive      bool       `json:"is_adaptive"`
	TotalQuestions  int        `json:"total_questions"`
}

// Duration returns the allotted time.
func (t *TestDefinition) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

// DurationSeconds returns the allotted time in whole seconds.
func (t *TestDefinition) DurationSeconds() int {
	return t.DurationMinutes * 60
}

// OpenAt reports whether now falls inside the availability window.
func (t *TestDefinition) OpenAt(now time.Time) bool {
	if t.WindowStart != nil && now.Before(*t.WindowStart) {
		return false
	}
	if t.WindowEnd != nil && now.After(*t.WindowEnd) {
		return false
	}
	return true
}
