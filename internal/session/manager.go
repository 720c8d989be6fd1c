package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/adaptive"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/metrics"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/selector"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timing"
)

// finalizeTimeout bounds submissions started by the countdown.
const finalizeTimeout = 15 * time.Second

// Catalog is the read-only source of test definitions and question banks.
type Catalog interface {
	Test(ctx context.Context, testID uuid.UUID) (*model.TestDefinition, error)
	Questions(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Catalog    Catalog
	Store      store.Store
	Adaptive   *adaptive.Engine
	Selector   *selector.Selector
	Timing     *timing.Manager
	Submission *submission.Engine
	Publisher  event.Publisher
	Policy     config.Policy
	InstanceID string
}

type key struct {
	userID string
	testID uuid.UUID
}

// Manager is the registry of session runtimes held by this process.
type Manager struct {
	Deps
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[key]*Session
}

// NewManager creates a Manager.
func NewManager(deps Deps, log zerolog.Logger) *Manager {
	return &Manager{
		Deps:     deps,
		log:      log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[key]*Session),
	}
}

func (m *Manager) now() time.Time {
	return m.Timing.Now()
}

// acquire returns the locked runtime of k, creating an idle one if needed.
func (m *Manager) acquire(k key) *Session {
	for {
		m.mu.Lock()
		s, ok := m.sessions[k]
		if !ok {
			s = &Session{m: m, key: k, userID: k.userID, testID: k.testID, subs: map[int]chan Update{}}
			m.sessions[k] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if s.state != StateFinalized {
			return s
		}
		s.mu.Unlock()
		m.remove(s)
	}
}

// active returns the locked runtime of k. Callers must unlock it.
func (m *Manager) active(userID string, testID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[key{userID, testID}]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoActiveSession
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// Start establishes or resumes the session of (user,test). A stored complete
// Response short-circuits to a finished view unless forceRestart is set.
func (m *Manager) Start(ctx context.Context, userID string, testID uuid.UUID, forceRestart bool) (*View, error) {
	test, err := m.Catalog.Test(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !test.OpenAt(m.now()) {
		return nil, ErrTestNotAvailable
	}

	s := m.acquire(key{userID, testID})
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		// A reload inside the grace period restarts like a reload elsewhere would.
		if !forceRestart && s.remainingLocked() > m.Policy.GraceSeconds {
			return s.viewLocked(), nil
		}
		s.shutdownLocked()
	case StateSubmitting:
		return nil, ErrSessionClosed
	}

	view, err := m.load(ctx, s, test, forceRestart)
	if err != nil || s.state != StateActive {
		if s.state != StateFinalized {
			s.shutdownLocked()
			s.state = StateFinalized
		}
		m.remove(s)
	}
	return view, err
}

// load brings an idle runtime to Active. s.mu is held.
func (m *Manager) load(ctx context.Context, s *Session, test *model.TestDefinition, forceRestart bool) (*View, error) {
	if !forceRestart {
		existing, err := m.Submission.Existing(ctx, test.ID, s.userID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return finishedView(test.ID, existing), nil
		}
	}

	if err := m.lease(ctx, s.userID, test); err != nil {
		return nil, err
	}

	decision, err := m.Timing.ResolveTiming(ctx, s.userID, test.ID, test.DurationMinutes, forceRestart)
	if err != nil {
		return nil, err
	}

	s.test = test
	s.action = decision.Action
	s.startedAt = decision.StartedAt
	s.current = nil
	s.expiryFailed = false

	if err := m.restore(ctx, s, decision.Action.Restarts()); err != nil {
		return nil, err
	}

	next, err := m.currentOrNext(ctx, s)
	if err != nil && !errors.Is(err, selector.ErrExhausted) {
		return nil, err
	}
	s.state = StateActive

	if next == nil || len(s.progress.Answers) >= test.TotalQuestions {
		if len(s.progress.Answers) == 0 {
			s.state = StateIdle
			return nil, selector.ErrExhausted
		}
		// Every question was answered before an interruption.
		req := s.beginSubmitLocked(submission.TriggerCompleted)
		resp, err := m.submitLocked(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return finishedView(test.ID, resp), nil
	}

	if err := m.serveLocked(ctx, s, next); err != nil {
		s.state = StateIdle
		return nil, err
	}

	m.startCountdown(s)
	metrics.SessionsStarted.WithLabelValues(string(decision.Action)).Inc()
	m.mu.Lock()
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	m.publish(ctx, event.New(event.SessionStarted, test.ID, s.userID, map[string]any{
		"action":            string(decision.Action),
		"remaining_seconds": decision.RemainingSeconds,
	}))
	return s.viewLocked(), nil
}

// restore loads or initializes the persisted session documents.
func (m *Manager) restore(ctx context.Context, s *Session, fresh bool) error {
	s.progress = newProgress()
	s.violations = 0
	s.adaptive = nil

	if !fresh {
		err := m.Store.Get(ctx, config.CacheKey.SessionProgressKey(s.testID, s.userID), &s.progress)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load progress: %w", err)
		}
		if s.progress.Answers == nil {
			s.progress.Answers = map[uuid.UUID]int{}
		}
		err = m.Store.Get(ctx, config.CacheKey.ViolationCountKey(s.testID, s.userID), &s.violations)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load violations: %w", err)
		}
	}

	if s.test.IsAdaptive {
		var err error
		if !fresh {
			s.adaptive, err = m.Adaptive.Resume(ctx, s.userID, s.testID)
		}
		if fresh || errors.Is(err, adaptive.ErrStateNotFound) {
			s.adaptive, err = m.Adaptive.Initialize(ctx, s.userID, s.testID)
		}
		return err
	}

	if s.progress.Arrangement == nil {
		pool, err := m.Catalog.Questions(ctx, s.testID)
		if err != nil {
			return err
		}
		arrangement := m.Selector.Shuffle(pool)
		s.progress.Arrangement = &arrangement
	}
	return nil
}

// currentOrNext re-serves an unanswered question from before an interruption
// or picks the next one.
func (m *Manager) currentOrNext(ctx context.Context, s *Session) (*model.Question, error) {
	if id := s.progress.Current; id != uuid.Nil {
		if _, done := s.progress.Answers[id]; !done {
			pool, err := m.Catalog.Questions(ctx, s.testID)
			if err != nil {
				return nil, err
			}
			for _, q := range pool {
				if q.ID != id {
					continue
				}
				if s.progress.Arrangement != nil {
					q = s.progress.Arrangement.Present(q)
				}
				return &q, nil
			}
		}
	}
	return m.next(ctx, s)
}

func (m *Manager) next(ctx context.Context, s *Session) (*model.Question, error) {
	if s.test.IsAdaptive {
		sel, err := m.Selector.SelectNext(ctx, s.testID, s.adaptive)
		if err != nil {
			return nil, err
		}
		metrics.QuestionSelections.WithLabelValues(sel.Strategy).Inc()
		return sel.Question, nil
	}
	return m.Selector.Sequence(ctx, s.testID, *s.progress.Arrangement, s.progress.answered())
}

// serveLocked makes q the current question and persists progress.
func (m *Manager) serveLocked(ctx context.Context, s *Session, q *model.Question) error {
	s.progress.Current = q.ID
	s.progress.ServedAt = m.now()
	if err := m.Store.Set(ctx, config.CacheKey.SessionProgressKey(s.testID, s.userID), s.progress, 0); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	s.current = q
	return nil
}

func (m *Manager) lease(ctx context.Context, userID string, test *model.TestDefinition) error {
	leaseKey := config.CacheKey.SessionLeaseKey(test.ID, userID)
	ttl := test.Duration() + m.Policy.LeaseSlack

	ok, err := m.Store.SetIfAbsent(ctx, leaseKey, m.InstanceID, ttl)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}

	var holder string
	if err := m.Store.Get(ctx, leaseKey, &holder); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return m.lease(ctx, userID, test)
		}
		return fmt.Errorf("read lease: %w", err)
	}
	if holder != m.InstanceID {
		return ErrSessionLocked
	}
	// Still ours from before a restart: extend it to cover the session being resumed.
	if err := m.Store.Set(ctx, leaseKey, m.InstanceID, ttl); err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	return nil
}

func (m *Manager) releaseLease(userID string, testID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Store.CompareAndDelete(ctx, config.CacheKey.SessionLeaseKey(testID, userID), m.InstanceID); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to release session lease")
	}
}

// View returns the current snapshot of a session.
func (m *Manager) View(ctx context.Context, userID string, testID uuid.UUID) (*View, error) {
	s, err := m.active(userID, testID)
	if err == nil {
		defer s.mu.Unlock()
		if s.state == StateActive {
			return s.viewLocked(), nil
		}
		return nil, ErrSessionClosed
	}

	resp, err := m.Submission.Existing(ctx, testID, userID)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return finishedView(testID, resp), nil
	}
	return nil, ErrNoActiveSession
}

// Result returns the stored Response of (user,test).
func (m *Manager) Result(ctx context.Context, userID string, testID uuid.UUID) (*model.Response, error) {
	resp, err := m.Submission.Existing(ctx, testID, userID)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

// Answer grades one answer, advances the difficulty state and serves the next
// question. The session lock is held throughout so answers apply strictly in order.
func (m *Manager) Answer(ctx context.Context, userID string, testID uuid.UUID, in AnswerInput) (*View, error) {
	s, err := m.active(userID, testID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if s.remainingLocked() <= 0 {
		return nil, ErrSessionClosed
	}
	if s.current == nil || s.current.ID != in.QuestionID {
		return nil, ErrQuestionMismatch
	}
	if in.SelectedIndex < 0 || in.SelectedIndex >= len(s.current.Options) {
		return nil, ErrInvalidOption
	}

	served := s.current
	correct := in.SelectedIndex == served.CorrectAnswer
	responseTime := in.ResponseTime
	if responseTime <= 0 {
		responseTime = m.now().Sub(s.progress.ServedAt)
	}

	if s.adaptive != nil {
		next, err := m.Adaptive.ProcessAnswer(ctx, userID, testID, adaptive.Answer{
			QuestionID:   served.ID,
			Correct:      correct,
			ResponseTime: responseTime,
		})
		if errors.Is(err, adaptive.ErrDuplicateAnswer) {
			// A previous attempt advanced the state but failed to record progress.
			next, err = m.Adaptive.Resume(ctx, userID, testID)
		}
		if err != nil {
			return nil, err
		}
		s.adaptive = next
	}

	s.progress.Answers[served.ID] = in.SelectedIndex
	outcome := "wrong"
	if correct {
		outcome = "correct"
	}
	metrics.AnswersProcessed.WithLabelValues(outcome, string(served.Difficulty)).Inc()

	var nextQ *model.Question
	if len(s.progress.Answers) < s.test.TotalQuestions {
		nextQ, err = m.next(ctx, s)
		if err != nil && !errors.Is(err, selector.ErrExhausted) {
			delete(s.progress.Answers, served.ID)
			return nil, err
		}
	}

	if nextQ == nil {
		s.progress.Current = uuid.Nil
		if err := m.Store.Set(ctx, config.CacheKey.SessionProgressKey(testID, userID), s.progress, 0); err != nil {
			delete(s.progress.Answers, served.ID)
			return nil, fmt.Errorf("save progress: %w", err)
		}
		s.current = nil
		req := s.beginSubmitLocked(submission.TriggerCompleted)
		resp, err := m.submitLocked(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return finishedView(testID, resp), nil
	}

	if err := m.serveLocked(ctx, s, nextQ); err != nil {
		delete(s.progress.Answers, served.ID)
		s.progress.Current = served.ID
		return nil, err
	}

	q := nextQ.ForTaker()
	s.broadcastLocked(Update{Kind: UpdateQuestion, RemainingSeconds: s.remainingLocked(), Question: &q})
	return s.viewLocked(), nil
}

// Submit finalizes the session on the user's request.
func (m *Manager) Submit(ctx context.Context, userID string, testID uuid.UUID) (*model.Response, error) {
	s, err := m.active(userID, testID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if len(s.progress.Answers) == 0 {
		return nil, submission.ErrNoAnswers
	}

	req := s.beginSubmitLocked(submission.TriggerManual)
	return m.submitLocked(ctx, s, req)
}

// ReportViolation records an integrity event. Reaching the policy threshold
// force-terminates the session with score 0.
func (m *Manager) ReportViolation(ctx context.Context, userID string, testID uuid.UUID, violationType string, cumulative int) (*View, error) {
	s, err := m.active(userID, testID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return nil, err
	}

	count := s.violations + 1
	if cumulative > count {
		count = cumulative
	}
	if err := m.Store.Set(ctx, config.CacheKey.ViolationCountKey(testID, userID), count, 0); err != nil {
		return nil, fmt.Errorf("save violation count: %w", err)
	}
	s.violations = count

	v := model.Violation{TestID: testID, UserID: userID, Type: violationType, CumulativeCount: count, RecordedAt: m.now().UTC()}
	if err := m.Store.Push(ctx, config.WorkerKey.PersistViolationsQueue, v); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to queue violation audit")
	}
	metrics.Violations.WithLabelValues(violationType).Inc()
	m.publish(ctx, event.New(event.IntegrityViolation, testID, userID, map[string]any{
		"type":  violationType,
		"count": count,
	}))

	m.log.Warn().
		Str("user_id", userID).
		Str("test_id", testID.String()).
		Str("type", violationType).
		Int("count", count).
		Msg("Integrity violation")

	if count >= m.Policy.MaxViolations {
		req := s.beginSubmitLocked(submission.TriggerViolations)
		resp, err := m.submitLocked(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return finishedView(testID, resp), nil
	}

	s.broadcastLocked(Update{Kind: UpdateViolation, RemainingSeconds: s.remainingLocked(), Violations: count})
	return s.viewLocked(), nil
}

// submitLocked runs the submission with the session lock released so events
// arriving meanwhile observe Submitting. s.mu is held on entry and on return.
func (m *Manager) submitLocked(ctx context.Context, s *Session, req submission.Request) (*model.Response, error) {
	arrangement := s.progress.Arrangement
	s.mu.Unlock()
	questions, err := m.presented(ctx, s.testID, req.Answers, req.Test.IsAdaptive, arrangement)
	var resp *model.Response
	if err == nil {
		req.Questions = questions
		resp, err = m.Submission.Submit(ctx, req)
	}
	s.mu.Lock()

	if err != nil {
		s.state = StateActive
		return nil, err
	}

	s.state = StateFinalized
	s.shutdownLocked()
	s.broadcastLocked(Update{Kind: UpdateFinished, Response: resp})
	s.closeSubsLocked()
	m.remove(s)
	return resp, nil
}

// presented maps every answered question id to the question as it was shown.
func (m *Manager) presented(ctx context.Context, testID uuid.UUID, answers map[uuid.UUID]int, isAdaptive bool, arrangement *selector.Arrangement) (map[uuid.UUID]model.Question, error) {
	pool, err := m.Catalog.Questions(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("load questions for scoring: %w", err)
	}
	out := make(map[uuid.UUID]model.Question, len(answers))
	for _, q := range pool {
		if _, ok := answers[q.ID]; !ok {
			continue
		}
		if !isAdaptive && arrangement != nil {
			q = arrangement.Present(q)
		}
		out[q.ID] = q
	}
	return out, nil
}

// shutdownLocked stops the countdown and gives the lease back.
func (s *Session) shutdownLocked() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.m.releaseLease(s.userID, s.testID)
}

// Subscribe registers for live updates of an active session. The channel is
// closed when the session finalizes or cancel is called.
func (m *Manager) Subscribe(userID string, testID uuid.UUID) (<-chan Update, func(), error) {
	s, err := m.active(userID, testID)
	if err != nil {
		return nil, nil, err
	}
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, nil, err
	}

	ch := make(chan Update, subscriberBuffer)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
	return ch, cancel, nil
}

// Shutdown stops every countdown and releases every lease held by this process.
// Persisted state is kept so sessions resume elsewhere.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateActive {
			s.shutdownLocked()
			s.state = StateFinalized
			s.closeSubsLocked()
		}
		s.mu.Unlock()
		m.remove(s)
	}
	m.log.Info().Int("sessions", len(sessions)).Msg("Session runtimes released")
}

func (m *Manager) publish(ctx context.Context, ev *event.Event) {
	if err := m.Publisher.Publish(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish event")
	}
}
