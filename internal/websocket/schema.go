package websocket

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer    Action = "answer"
	ActionSubmit    Action = "submit"
	ActionViolation Action = "violation"
	ActionPing      Action = "ping"
)

// RequestPayload is the union of every client message. Fields not used by
// an action are ignored.
type RequestPayload struct {
	Action         Action    `json:"action"`
	QuestionID     uuid.UUID `json:"question_id,omitempty"`
	SelectedIndex  int       `json:"selected_index,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	Type           string    `json:"type,omitempty"`
	Count          int       `json:"count,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventTick      Event = "tick"
	EventQuestion  Event = "question"
	EventViolation Event = "violation"
	EventFinished  Event = "finished"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse is sent once after the connection is established.
type StateResponse struct {
	Event            Event                   `json:"event"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Question         *model.QuestionForTaker `json:"question,omitempty"`
	Answered         int                     `json:"answered"`
	TotalQuestions   int                     `json:"total_questions"`
	Violations       int                     `json:"violations"`
}

type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

type QuestionResponse struct {
	Event            Event                   `json:"event"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Question         *model.QuestionForTaker `json:"question"`
}

type ViolationResponse struct {
	Event      Event `json:"event"`
	Violations int   `json:"violations"`
}

// FinishedResponse carries the stored Response, or none when the time ran
// out before anything was answered.
type FinishedResponse struct {
	Event    Event           `json:"event"`
	Response *model.Response `json:"response,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
