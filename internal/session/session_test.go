package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/adaptive"
	"github.com/stemsi/exstem-engine/internal/catalog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/selector"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeCatalog struct {
	tests     map[uuid.UUID]*model.TestDefinition
	questions map[uuid.UUID][]model.Question
}

func (f *fakeCatalog) Test(_ context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	if t, ok := f.tests[id]; ok {
		return t, nil
	}
	return nil, catalog.ErrTestNotFound
}

func (f *fakeCatalog) Questions(_ context.Context, id uuid.UUID) ([]model.Question, error) {
	return f.questions[id], nil
}

func (f *fakeCatalog) lookup(testID, id uuid.UUID) model.Question {
	for _, q := range f.questions[testID] {
		if q.ID == id {
			return q
		}
	}
	panic("unknown question")
}

type fakeHistory struct {
	difficulties []model.Difficulty
}

func (f *fakeHistory) RecentFinalDifficulties(context.Context, string, int) ([]model.Difficulty, error) {
	return f.difficulties, nil
}

type fakeResponses struct {
	mu       sync.Mutex
	rows     map[string]*model.Response
	failNext int
	// When set, Create signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func rowKey(testID uuid.UUID, userID string) string { return testID.String() + "/" + userID }

func (f *fakeResponses) Create(_ context.Context, r *model.Response) (*model.Response, bool, error) {
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, false, errors.New("write timeout")
	}
	if existing, ok := f.rows[rowKey(r.TestID, r.UserID)]; ok {
		return existing, false, nil
	}
	f.rows[rowKey(r.TestID, r.UserID)] = r
	return r, true, nil
}

func (f *fakeResponses) Get(_ context.Context, testID uuid.UUID, userID string) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[rowKey(testID, userID)]; ok {
		return r, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeResponses) Delete(_ context.Context, testID uuid.UUID, userID string) error {
	f.mu.Lock()
	delete(f.rows, rowKey(testID, userID))
	f.mu.Unlock()
	return nil
}

func (f *fakeResponses) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type harness struct {
	t         *testing.T
	store     *store.MemoryStore
	catalog   *fakeCatalog
	history   *fakeHistory
	responses *fakeResponses
	events    *event.Recorder
	clock     *clock
	policy    config.Policy
	test      *model.TestDefinition
}

func newHarness(t *testing.T, adaptiveTest bool) *harness {
	t.Helper()
	policy := config.DefaultPolicy()
	policy.TickInterval = time.Hour

	h := &harness{
		t:         t,
		catalog:   &fakeCatalog{tests: map[uuid.UUID]*model.TestDefinition{}, questions: map[uuid.UUID][]model.Question{}},
		history:   &fakeHistory{},
		responses: &fakeResponses{rows: map[string]*model.Response{}},
		events:    event.NewRecorder(),
		clock:     &clock{t: time.Date(2026, 9, 14, 8, 0, 0, 0, time.UTC)},
		policy:    policy,
	}
	h.store = store.NewMemoryStore().WithClock(h.clock.Now)

	h.test = &model.TestDefinition{ID: uuid.New(), Title: "Algebra", DurationMinutes: 10, IsAdaptive: adaptiveTest, TotalQuestions: 5}
	h.catalog.tests[h.test.ID] = h.test
	for _, d := range model.Difficulties {
		for i := 0; i < 4; i++ {
			h.catalog.questions[h.test.ID] = append(h.catalog.questions[h.test.ID], model.Question{
				ID:            uuid.New(),
				TestID:        h.test.ID,
				Content:       model.QuestionContent{Text: string(d) + " question"},
				Options:       []string{"w", "x", "y", "z"},
				CorrectAnswer: i % 4,
				Difficulty:    d,
			})
		}
	}
	return h
}

func (h *harness) manager(instanceID string) *Manager {
	log := zerolog.Nop()
	timingMgr := timing.NewManager(h.store, h.responses, h.policy, log).WithClock(h.clock.Now)
	return NewManager(Deps{
		Catalog:    h.catalog,
		Store:      h.store,
		Adaptive:   adaptive.NewEngine(h.store, h.history, h.policy, log).WithClock(h.clock.Now),
		Selector:   selector.NewSeeded(h.catalog, 1),
		Timing:     timingMgr,
		Submission: submission.NewEngine(h.responses, h.store, h.events, log).WithClock(h.clock.Now),
		Publisher:  h.events,
		Policy:     h.policy,
		InstanceID: instanceID,
	}, log)
}

// pick returns the shown index of the correct option, or of a wrong one.
func (h *harness) pick(v *View, correct bool) int {
	h.t.Helper()
	require.NotNil(h.t, v.Question)
	q := h.catalog.lookup(h.test.ID, v.Question.ID)
	want := q.Options[q.CorrectAnswer]
	for i, opt := range v.Question.Options {
		if (opt == want) == correct {
			return i
		}
	}
	h.t.Fatal("no option found")
	return -1
}

func (h *harness) answer(m *Manager, v *View, correct bool) *View {
	h.t.Helper()
	next, err := m.Answer(context.Background(), "u-1", h.test.ID, AnswerInput{
		QuestionID:    v.Question.ID,
		SelectedIndex: h.pick(v, correct),
		ResponseTime:  3 * time.Second,
	})
	require.NoError(h.t, err)
	return next
}

func TestStartFreshAndReuse(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, timing.ActionFresh, v.Action)
	assert.Equal(t, 600, v.RemainingSeconds)
	assert.Equal(t, model.DifficultyMedium, v.Difficulty)
	require.NotNil(t, v.Question)
	assert.Equal(t, model.DifficultyMedium, v.Question.Difficulty)

	h.clock.Advance(time.Minute)
	again, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, v.Question.ID, again.Question.ID)
	assert.Equal(t, 540, again.RemainingSeconds)

	view, err := m.View(ctx, "u-1", h.test.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Question.ID, view.Question.ID)
	assert.Contains(t, h.events.Types(), event.SessionStarted)
}

func TestAdaptiveScenarioThroughSession(t *testing.T) {
	h := newHarness(t, true)
	h.history.difficulties = []model.Difficulty{model.DifficultyEasy, model.DifficultyEasy, model.DifficultyEasy}
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)

	script := []struct {
		correct bool
		served  model.Difficulty
	}{
		{true, model.DifficultyEasy},
		{true, model.DifficultyMedium},
		{false, model.DifficultyHard},
		{false, model.DifficultyHard},
		{true, model.DifficultyMedium},
	}
	for i, step := range script {
		require.Equal(t, StatusActive, v.Status, "step %d", i+1)
		assert.Equal(t, step.served, v.Question.Difficulty, "step %d", i+1)
		v = h.answer(m, v, step.correct)
	}

	require.True(t, v.Finished())
	resp := v.Response
	require.NotNil(t, resp)
	assert.Equal(t, 3, resp.Score)
	assert.Equal(t, 5, resp.WeightedScore)
	assert.Equal(t, 5, resp.TotalQuestions)
	assert.Len(t, resp.Answers, 5)
	assert.Len(t, resp.DifficultyFlow, 5)
	require.NotNil(t, resp.FinalDifficulty)
	assert.Equal(t, model.DifficultyHard, *resp.FinalDifficulty)

	_, err = m.Answer(ctx, "u-1", h.test.ID, AnswerInput{QuestionID: uuid.New()})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	var state model.AdaptiveState
	assert.ErrorIs(t, h.store.Get(ctx, config.CacheKey.AdaptiveStateKey(h.test.ID, "u-1"), &state), store.ErrNotFound)
}

func TestStartWithCompleteResponseNeverResubmits(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	v = h.answer(m, v, true)
	first, err := m.Submit(ctx, "u-1", h.test.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		again, err := m.Start(ctx, "u-1", h.test.ID, false)
		require.NoError(t, err)
		assert.True(t, again.Finished())
		assert.Same(t, first, again.Response)
	}
	assert.Equal(t, 1, h.responses.count())

	restarted, err := m.Start(ctx, "u-1", h.test.ID, true)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionForcedRestart, restarted.Action)
	assert.Zero(t, h.responses.count(), "forced restart discards the stored response")
}

func TestViolationsForceTermination(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	h.answer(m, v, true)

	v, err = m.ReportViolation(ctx, "u-1", h.test.ID, "tab_switch", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Violations)
	assert.Equal(t, StatusActive, v.Status)

	v, err = m.ReportViolation(ctx, "u-1", h.test.ID, "fullscreen_exit", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Violations)

	v, err = m.ReportViolation(ctx, "u-1", h.test.ID, "tab_switch", 3)
	require.NoError(t, err)
	require.True(t, v.Finished())
	assert.Zero(t, v.Response.Score)
	assert.True(t, v.Response.TerminatedDueToViolations)
	assert.Len(t, v.Response.Answers, 1)

	_, err = m.ReportViolation(ctx, "u-1", h.test.ID, "tab_switch", 4)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	queued := h.store.Drain(config.WorkerKey.PersistViolationsQueue)
	require.Len(t, queued, 3)
	var last model.Violation
	require.NoError(t, json.Unmarshal(queued[2], &last))
	assert.Equal(t, 3, last.CumulativeCount)
	assert.Contains(t, h.events.Types(), event.IntegrityLockRelease)
}

func TestViolationsWithoutAnswersStillPersistResponse(t *testing.T) {
	h := newHarness(t, false)
	h.policy.MaxViolations = 1
	m := h.manager("node-a")
	ctx := context.Background()

	_, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)

	v, err := m.ReportViolation(ctx, "u-1", h.test.ID, "devtools", 0)
	require.NoError(t, err)
	require.True(t, v.Finished())
	assert.Zero(t, v.Response.Score)
	assert.True(t, v.Response.IsComplete())
}

func TestAnswerValidation(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	_, err := m.Answer(ctx, "u-1", h.test.ID, AnswerInput{QuestionID: uuid.New()})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)

	_, err = m.Answer(ctx, "u-1", h.test.ID, AnswerInput{QuestionID: uuid.New()})
	assert.ErrorIs(t, err, ErrQuestionMismatch)

	_, err = m.Answer(ctx, "u-1", h.test.ID, AnswerInput{QuestionID: v.Question.ID, SelectedIndex: 4})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = m.Submit(ctx, "u-1", h.test.ID)
	assert.ErrorIs(t, err, submission.ErrNoAnswers)
}

func TestNonAdaptiveShufflesAndGradesPresentedOrder(t *testing.T) {
	h := newHarness(t, false)
	h.test.TotalQuestions = 12
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 12; i++ {
		require.Equal(t, StatusActive, v.Status)
		assert.False(t, seen[v.Question.ID])
		seen[v.Question.ID] = true
		v = h.answer(m, v, i%2 == 0)
	}

	require.True(t, v.Finished())
	assert.Equal(t, 6, v.Response.Score)
	assert.Nil(t, v.Response.FinalDifficulty)
	for id, detail := range v.Response.Answers {
		q := h.catalog.lookup(h.test.ID, id)
		assert.Equal(t, detail.IsCorrect, detail.SelectedValue == q.Options[q.CorrectAnswer])
	}
}

func TestResumeOnAnotherInstance(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a := h.manager("node-a")
	v, err := a.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	v = h.answer(a, v, true)
	current := v.Question.ID

	b := h.manager("node-b")
	_, err = b.Start(ctx, "u-1", h.test.ID, false)
	assert.ErrorIs(t, err, ErrSessionLocked)

	a.Shutdown()
	h.clock.Advance(2 * time.Minute)

	resumed, err := b.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionResume, resumed.Action)
	assert.Equal(t, 480, resumed.RemainingSeconds)
	assert.Equal(t, 1, resumed.Answered)
	assert.Equal(t, current, resumed.Question.ID, "unanswered question is served again")
	assert.Equal(t, model.DifficultyHard, resumed.Difficulty)
}

func TestStartNearExpiryRestarts(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a := h.manager("node-a")
	v, err := a.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	h.answer(a, v, true)
	a.Shutdown()

	h.clock.Advance(9*time.Minute + 40*time.Second)
	b := h.manager("node-a")
	fresh, err := b.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionExpiredRestart, fresh.Action)
	assert.Equal(t, 600, fresh.RemainingSeconds)
	assert.Zero(t, fresh.Answered)
}

func TestReloadNearExpiryRestartsOnSameInstance(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	h.answer(m, v, true)

	h.clock.Advance(9*time.Minute + 40*time.Second)
	fresh, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionExpiredRestart, fresh.Action)
	assert.Equal(t, 600, fresh.RemainingSeconds)
	assert.Zero(t, fresh.Answered)

	// Outside the grace period the running session is reused.
	h.clock.Advance(time.Minute)
	again, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionExpiredRestart, again.Action)
	assert.Equal(t, 540, again.RemainingSeconds)
}

func TestLeaseExtendedWhenResumedBySameInstance(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	// node-a crashes without releasing its lease and comes back under the same id.
	crashed := h.manager("node-a")
	_, err := crashed.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)

	h.clock.Advance(9*time.Minute + 40*time.Second)
	restarted := h.manager("node-a")
	v, err := restarted.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	assert.Equal(t, timing.ActionExpiredRestart, v.Action)

	// Past the original lease (duration + slack) but inside the new session.
	h.clock.Advance(6 * time.Minute)
	_, err = h.manager("node-b").Start(ctx, "u-1", h.test.ID, false)
	assert.ErrorIs(t, err, ErrSessionLocked)
}

func TestExpirySubmissionRejectsConcurrentCalls(t *testing.T) {
	h := newHarness(t, true)
	h.policy.TickInterval = 5 * time.Millisecond
	h.responses.entered = make(chan struct{}, 1)
	h.responses.release = make(chan struct{})
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	next := h.answer(m, v, true)

	h.clock.Advance(11 * time.Minute)
	select {
	case <-h.responses.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry submission did not start")
	}

	_, err = m.Submit(ctx, "u-1", h.test.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = m.Answer(ctx, "u-1", h.test.ID, AnswerInput{QuestionID: next.Question.ID, SelectedIndex: 0})
	assert.ErrorIs(t, err, ErrSessionClosed)

	close(h.responses.release)
	require.Eventually(t, func() bool {
		v, err := m.View(ctx, "u-1", h.test.ID)
		return err == nil && v.Finished()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.responses.count())

	resp, err := m.Result(ctx, "u-1", h.test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Score)
}

func TestStartOutsideWindow(t *testing.T) {
	h := newHarness(t, true)
	opens := h.clock.Now().Add(time.Hour)
	h.test.WindowStart = &opens

	_, err := h.manager("node-a").Start(context.Background(), "u-1", h.test.ID, false)
	assert.ErrorIs(t, err, ErrTestNotAvailable)

	_, err = h.manager("node-a").Start(context.Background(), "u-1", uuid.New(), false)
	assert.ErrorIs(t, err, catalog.ErrTestNotFound)
}

func TestSubmitFailureKeepsSessionActive(t *testing.T) {
	h := newHarness(t, true)
	m := h.manager("node-a")
	ctx := context.Background()

	v, err := m.Start(ctx, "u-1", h.test.ID, false)
	require.NoError(t, err)
	h.answer(m, v, true)

	h.responses.failNext = 1
	_, err = m.Submit(ctx, "u-1", h.test.ID)
	require.ErrorIs(t, err, store.ErrPersistence)

	view, err := m.View(ctx, "u-1", h.test.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)

	resp, err := m.Submit(ctx, "u-1", h.test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Score)
	assert.Equal(t, 1, h.responses.count())

	_, err = m.Submit(ctx, "u-1", h.test.ID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	got, err := m.Result(ctx, "u-1", h.test.ID)
	require.NoError(t, err)
	assert.Same(t, resp, got)
}

func waitFinished(t *testing.T, updates <-chan Update) *Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Kind == UpdateFinished {
				return &u
			}
		case <-timeout:
			t.Fatal("session did not finish")
		}
	}
}

func TestCountdownExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("with answers submits", func(t *testing.T) {
		h := newHarness(t, true)
		h.policy.TickInterval = 5 * time.Millisecond
		m := h.manager("node-a")

		v, err := m.Start(ctx, "u-1", h.test.ID, false)
		require.NoError(t, err)
		h.answer(m, v, true)

		updates, cancel, err := m.Subscribe("u-1", h.test.ID)
		require.NoError(t, err)
		defer cancel()

		h.clock.Advance(11 * time.Minute)
		waitFinished(t, updates)

		require.Eventually(t, func() bool { return h.responses.count() == 1 }, time.Second, 5*time.Millisecond)
		resp, err := m.Result(ctx, "u-1", h.test.ID)
		require.NoError(t, err)
		assert.Equal(t, 600, resp.TimeSpent)
		assert.Equal(t, 1, resp.Score)
	})

	t.Run("without answers ends without response", func(t *testing.T) {
		h := newHarness(t, true)
		h.policy.TickInterval = 5 * time.Millisecond
		m := h.manager("node-a")

		_, err := m.Start(ctx, "u-1", h.test.ID, false)
		require.NoError(t, err)
		updates, cancel, err := m.Subscribe("u-1", h.test.ID)
		require.NoError(t, err)
		defer cancel()

		h.clock.Advance(10 * time.Minute)
		if u := waitFinished(t, updates); u != nil {
			assert.Nil(t, u.Response)
		}

		require.Eventually(t, func() bool {
			_, err := m.View(ctx, "u-1", h.test.ID)
			return errors.Is(err, ErrNoActiveSession)
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, h.responses.count())

		var timer model.TimerState
		assert.ErrorIs(t, h.store.Get(ctx, config.CacheKey.SessionTimerKey(h.test.ID, "u-1"), &timer), store.ErrNotFound)
	})
}
