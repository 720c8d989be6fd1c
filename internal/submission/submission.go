// Package submission finalizes sessions: it scores answers, persists the
// Response exactly once and clears the transient session state.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/metrics"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/timing"
)

var (
	// ErrNoAnswers rejects a normal submission without any answer.
	ErrNoAnswers = errors.New("nothing to submit: no answers and no forced score")
	// ErrIncompletePriorResponse marks a stored Response that failed the completeness check.
	ErrIncompletePriorResponse = errors.New("stored response is incomplete")
)

// Trigger is what finalized a session.
type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerCompleted   Trigger = "completed"
	TriggerTimeExpired Trigger = "time_expired"
	TriggerViolations  Trigger = "violations"
)

// ResponseStore is the durable home of Responses. Get returns pgx.ErrNoRows
// when nothing is stored.
type ResponseStore interface {
	Create(ctx context.Context, r *model.Response) (*model.Response, bool, error)
	Get(ctx context.Context, testID uuid.UUID, userID string) (*model.Response, error)
	Delete(ctx context.Context, testID uuid.UUID, userID string) error
}

// Request is everything needed to finalize one session.
type Request struct {
	Test   *model.TestDefinition
	UserID string
	// Questions holds every answered question as it was presented.
	Questions map[uuid.UUID]model.Question
	// Answers maps question id to the selected option index.
	Answers          map[uuid.UUID]int
	RemainingSeconds int
	// ForcedScore overrides scoring. Violation terminations always force 0.
	ForcedScore *int
	Trigger     Trigger
	// Adaptive is the final adaptive state, nil for non-adaptive tests.
	Adaptive *model.AdaptiveState
}

// Engine is the Submission & Scoring Engine.
type Engine struct {
	responses ResponseStore
	store     store.Store
	publisher event.Publisher
	now       func() time.Time
	log       zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(responses ResponseStore, st store.Store, publisher event.Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		responses: responses,
		store:     st,
		publisher: publisher,
		now:       time.Now,
		log:       log.With().Str("component", "submission_engine").Logger(),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Submit scores and persists the session. A failed write returns an error
// wrapping store.ErrPersistence and leaves the session state untouched so
// the user can resubmit; it is never retried automatically.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Response, error) {
	forced := req.ForcedScore
	if req.Trigger == TriggerViolations {
		zero := 0
		forced = &zero
	}
	if len(req.Answers) == 0 && forced == nil {
		return nil, ErrNoAnswers
	}

	resp := e.score(req, forced)

	start := time.Now()
	stored, created, err := e.responses.Create(ctx, resp)
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Submissions.WithLabelValues(string(req.Trigger), "error").Inc()
		e.log.Error().Err(err).
			Str("user_id", req.UserID).
			Str("test_id", req.Test.ID.String()).
			Str("trigger", string(req.Trigger)).
			Msg("Submission write failed")
		return nil, fmt.Errorf("%w: save response: %w", store.ErrPersistence, err)
	}

	if created {
		metrics.Submissions.WithLabelValues(string(req.Trigger), "created").Inc()
	} else {
		metrics.Submissions.WithLabelValues(string(req.Trigger), "duplicate").Inc()
		e.log.Info().
			Str("user_id", req.UserID).
			Str("test_id", req.Test.ID.String()).
			Msg("Response already stored, returning existing")
	}

	if err := e.store.Delete(ctx, config.CacheKey.SessionPaths(req.Test.ID, req.UserID)...); err != nil {
		// The stored Response already marks completion; stale state is discarded on next entry.
		e.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Failed to clear session state")
	}

	e.publish(ctx, event.New(event.SessionCompleted, req.Test.ID, req.UserID, map[string]any{
		"score":                        stored.Score,
		"total_questions":              stored.TotalQuestions,
		"trigger":                      string(req.Trigger),
		"terminated_due_to_violations": stored.TerminatedDueToViolations,
	}))
	e.publish(ctx, event.New(event.IntegrityLockRelease, req.Test.ID, req.UserID, nil))

	e.log.Info().
		Str("user_id", req.UserID).
		Str("test_id", req.Test.ID.String()).
		Str("trigger", string(req.Trigger)).
		Int("score", stored.Score).
		Int("time_spent", stored.TimeSpent).
		Msg("Session finalized")
	return stored, nil
}

func (e *Engine) score(req Request, forced *int) *model.Response {
	duration := req.Test.Duration()
	remaining := timing.ClampRemaining(req.RemainingSeconds, duration)

	resp := &model.Response{
		TestID:                    req.Test.ID,
		UserID:                    req.UserID,
		TotalQuestions:            req.Test.TotalQuestions,
		Answers:                   make(map[uuid.UUID]model.AnswerDetail, len(req.Answers)),
		CompletedAt:               e.now().UTC(),
		TimeSpent:                 int(duration/time.Second) - remaining,
		TerminatedDueToViolations: req.Trigger == TriggerViolations,
	}
	if resp.TotalQuestions <= 0 {
		resp.TotalQuestions = len(req.Answers)
	}

	correct, weighted := 0, 0
	for id, selected := range req.Answers {
		q, ok := req.Questions[id]
		detail := model.AnswerDetail{SelectedIndex: selected}
		if ok && selected >= 0 && selected < len(q.Options) {
			detail.SelectedValue = q.Options[selected]
			detail.IsCorrect = selected == q.CorrectAnswer
		}
		if detail.IsCorrect {
			correct++
			weighted += q.Difficulty.Weight()
		}
		resp.Answers[id] = detail
	}

	resp.Score, resp.WeightedScore = correct, weighted
	if a := req.Adaptive; a != nil {
		final := a.CurrentDifficulty
		resp.FinalDifficulty = &final
		resp.DifficultyFlow = a.DifficultyFlow
		resp.WeightedScore = a.WeightedScore
	}
	if forced != nil {
		resp.Score = *forced
		resp.WeightedScore = 0
	}
	return resp
}

func (e *Engine) publish(ctx context.Context, ev *event.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish event")
	}
}

// Existing returns the stored Response of (test,user) when it passes the
// completeness check. An incomplete one is queued for audit, wiped, and
// (nil, nil) is returned so the caller starts fresh.
func (e *Engine) Existing(ctx context.Context, testID uuid.UUID, userID string) (*model.Response, error) {
	resp, err := e.responses.Get(ctx, testID, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load response: %w", store.ErrPersistence, err)
	}
	if resp.IsComplete() {
		return resp, nil
	}

	audit := model.ResponseAudit{
		TestID:      testID,
		UserID:      userID,
		Reason:      ErrIncompletePriorResponse.Error(),
		Response:    resp,
		DiscardedAt: e.now().UTC(),
	}
	if err := e.store.Push(ctx, config.WorkerKey.PersistResponseAuditsQueue, audit); err != nil {
		// Keep the record rather than lose it unaudited.
		return nil, fmt.Errorf("queue response audit: %w", err)
	}
	if err := e.responses.Delete(ctx, testID, userID); err != nil {
		return nil, fmt.Errorf("%w: discard response: %w", store.ErrPersistence, err)
	}

	metrics.DiscardedResponses.Inc()
	e.log.Warn().
		Err(ErrIncompletePriorResponse).
		Str("user_id", userID).
		Str("test_id", testID.String()).
		Msg("Incomplete response audited and discarded")
	return nil, nil
}
