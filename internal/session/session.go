// Package session runs one single-writer state machine per (user,test):
// Active, then Submitting, then Finalized. It owns the countdown and fans
// session updates out to live subscribers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/selector"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timing"
)

var (
	// ErrSessionClosed is returned for events arriving while the session is submitting or finalized.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSessionLocked means another instance holds the session.
	ErrSessionLocked = errors.New("session is active on another instance")
	// ErrTestNotAvailable means the test window is not open.
	ErrTestNotAvailable = errors.New("test is not available at this time")
	// ErrNoActiveSession means no runtime exists for (user,test) in this process.
	ErrNoActiveSession = errors.New("no active session")
	// ErrQuestionMismatch means the answer does not target the question being served.
	ErrQuestionMismatch = errors.New("answer does not match the current question")
	// ErrInvalidOption means the selected index is outside the question's options.
	ErrInvalidOption = errors.New("selected option does not exist")
	// ErrNoResponse means no stored result exists.
	ErrNoResponse = errors.New("no stored response")
)

// State is the lifecycle position of a session runtime.
type State int

const (
	StateIdle State = iota
	StateActive
	StateSubmitting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSubmitting:
		return "submitting"
	case StateFinalized:
		return "finalized"
	}
	return "idle"
}

// progress is the persisted per-session answer log.
type progress struct {
	Answers     map[uuid.UUID]int     `json:"answers"`
	Current     uuid.UUID             `json:"current"`
	ServedAt    time.Time             `json:"served_at"`
	Arrangement *selector.Arrangement `json:"arrangement,omitempty"`
}

func newProgress() progress {
	return progress{Answers: map[uuid.UUID]int{}}
}

func (p progress) answered() map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(p.Answers))
	for id := range p.Answers {
		set[id] = struct{}{}
	}
	return set
}

// AnswerInput is one answer submitted by the client.
type AnswerInput struct {
	QuestionID    uuid.UUID
	SelectedIndex int
	// ResponseTime is measured server-side when zero.
	ResponseTime time.Duration
}

// View is the client-facing snapshot of a session.
type View struct {
	TestID           uuid.UUID               `json:"test_id"`
	Status           string                  `json:"status"`
	Action           timing.Action           `json:"action,omitempty"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Question         *model.QuestionForTaker `json:"question,omitempty"`
	Answered         int                     `json:"answered"`
	TotalQuestions   int                     `json:"total_questions"`
	Violations       int                     `json:"violations"`
	Difficulty       model.Difficulty        `json:"difficulty,omitempty"`
	Response         *model.Response         `json:"response,omitempty"`
}

// Finished reports whether the view carries a final result or a closed session.
func (v *View) Finished() bool {
	return v.Status == StatusFinished
}

const (
	StatusActive   = "active"
	StatusFinished = "finished"
)

// UpdateKind tags a pushed session update.
type UpdateKind string

const (
	UpdateTick      UpdateKind = "tick"
	UpdateQuestion  UpdateKind = "question"
	UpdateViolation UpdateKind = "violation"
	UpdateFinished  UpdateKind = "finished"
	UpdateError     UpdateKind = "error"
)

// Update is pushed to subscribers of a session.
type Update struct {
	Kind             UpdateKind              `json:"kind"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Question         *model.QuestionForTaker `json:"question,omitempty"`
	Violations       int                     `json:"violations,omitempty"`
	Response         *model.Response         `json:"response,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

const subscriberBuffer = 16

// Session is the in-process runtime of one (user,test). Every field below mu
// is guarded by it.
type Session struct {
	m      *Manager
	key    key
	userID string
	testID uuid.UUID

	mu           sync.Mutex
	state        State
	test         *model.TestDefinition
	action       timing.Action
	startedAt    time.Time
	progress     progress
	adaptive     *model.AdaptiveState
	current      *model.Question
	violations   int
	expiryFailed bool
	stop         context.CancelFunc
	subs         map[int]chan Update
	nextSub      int
}

func (s *Session) remainingLocked() int {
	return timing.Remaining(s.startedAt, s.test.Duration(), s.m.now())
}

func (s *Session) viewLocked() *View {
	started := s.startedAt
	v := &View{
		TestID:           s.testID,
		Status:           StatusActive,
		Action:           s.action,
		StartedAt:        &started,
		RemainingSeconds: timing.ClampRemaining(s.remainingLocked(), s.test.Duration()),
		Answered:         len(s.progress.Answers),
		TotalQuestions:   s.test.TotalQuestions,
		Violations:       s.violations,
	}
	if s.current != nil {
		q := s.current.ForTaker()
		v.Question = &q
	}
	if s.adaptive != nil {
		v.Difficulty = s.adaptive.CurrentDifficulty
	}
	return v
}

func finishedView(testID uuid.UUID, resp *model.Response) *View {
	v := &View{TestID: testID, Status: StatusFinished, Response: resp}
	if resp != nil {
		v.Answered = len(resp.Answers)
		v.TotalQuestions = resp.TotalQuestions
	}
	return v
}

// openLocked rejects events unless the session is active.
func (s *Session) openLocked() error {
	if s.state != StateActive {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) broadcastLocked(u Update) {
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber; ticks are replaceable.
		}
	}
}

func (s *Session) closeSubsLocked() {
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// beginSubmitLocked moves the session to Submitting and snapshots what the
// submission engine needs. The caller must release the lock before finishing.
func (s *Session) beginSubmitLocked(trigger submission.Trigger) submission.Request {
	s.state = StateSubmitting

	answers := make(map[uuid.UUID]int, len(s.progress.Answers))
	for id, idx := range s.progress.Answers {
		answers[id] = idx
	}
	var adaptiveState *model.AdaptiveState
	if s.adaptive != nil {
		clone := s.adaptive.Clone()
		adaptiveState = &clone
	}

	return submission.Request{
		Test:             s.test,
		UserID:           s.userID,
		Answers:          answers,
		RemainingSeconds: s.remainingLocked(),
		Trigger:          trigger,
		Adaptive:         adaptiveState,
	}
}
