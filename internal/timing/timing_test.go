package timing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	ts := t0.Add(d)
	return &ts
}

func TestResolve(t *testing.T) {
	const grace = 30 * time.Second
	dur := 10 * time.Minute
	now := t0.Add(time.Hour)

	tests := []struct {
		name      string
		start     *time.Time
		force     bool
		action    Action
		startedAt time.Time
		remaining int
	}{
		{"no timer", nil, false, ActionFresh, now, 600},
		{"forced with timer", at(59 * time.Minute), true, ActionForcedRestart, now, 600},
		{"forced without timer", nil, true, ActionForcedRestart, now, 600},
		{"resume early", at(58 * time.Minute), false, ActionResume, t0.Add(58 * time.Minute), 480},
		{"resume floors partial seconds", at(58*time.Minute + 500*time.Millisecond), false, ActionResume, t0.Add(58*time.Minute + 500*time.Millisecond), 481},
		{"31s left resumes", at(50*time.Minute + 31*time.Second), false, ActionResume, t0.Add(50*time.Minute + 31*time.Second), 31},
		{"30s left restarts", at(50*time.Minute + 30*time.Second), false, ActionExpiredRestart, now, 600},
		{"long expired restarts", at(0), false, ActionExpiredRestart, now, 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(Input{Now: now, PersistedStart: tt.start, Duration: dur, ForceRestart: tt.force, Grace: grace})
			assert.Equal(t, tt.action, d.Action)
			assert.True(t, tt.startedAt.Equal(d.StartedAt), "started at %v, want %v", d.StartedAt, tt.startedAt)
			assert.Equal(t, tt.remaining, d.RemainingSeconds)
		})
	}
}

// For every elapsed offset the decision splits exactly at D*60 - grace.
func TestResolveGraceBoundary(t *testing.T) {
	dur := 5 * time.Minute
	grace := 30 * time.Second
	start := t0

	for elapsed := 0; elapsed <= 400; elapsed++ {
		now := start.Add(time.Duration(elapsed) * time.Second)
		d := Resolve(Input{Now: now, PersistedStart: &start, Duration: dur, Grace: grace})

		if elapsed < 300-30 {
			require.Equal(t, ActionResume, d.Action, "elapsed %d", elapsed)
			require.Equal(t, 300-elapsed, d.RemainingSeconds)
		} else {
			require.Equal(t, ActionExpiredRestart, d.Action, "elapsed %d", elapsed)
			require.Equal(t, 300, d.RemainingSeconds)
		}
	}
}

func TestRemainingAndClamp(t *testing.T) {
	assert.Equal(t, 60, Remaining(t0, time.Minute, t0.Add(999*time.Millisecond)))
	assert.Equal(t, -5, Remaining(t0, time.Minute, t0.Add(65*time.Second)))
	assert.Equal(t, 0, ClampRemaining(-5, time.Minute))
	assert.Equal(t, 60, ClampRemaining(90, time.Minute))
	assert.Equal(t, 42, ClampRemaining(42, time.Minute))
	assert.True(t, ActionExpiredRestart.Restarts())
	assert.False(t, ActionResume.Restarts())
}

type recordingDiscarder struct {
	deleted int
}

func (r *recordingDiscarder) Delete(context.Context, uuid.UUID, string) error {
	r.deleted++
	return nil
}

func newManager(now *time.Time) (*Manager, *store.MemoryStore, *recordingDiscarder) {
	st := store.NewMemoryStore()
	disc := &recordingDiscarder{}
	m := NewManager(st, disc, config.DefaultPolicy(), zerolog.Nop()).WithClock(func() time.Time { return *now })
	return m, st, disc
}

func TestManagerPersistsStartOnlyWhenFresh(t *testing.T) {
	ctx := context.Background()
	now := t0
	m, st, _ := newManager(&now)
	testID := uuid.New()
	timerKey := config.CacheKey.SessionTimerKey(testID, "u-1")

	d, err := m.ResolveTiming(ctx, "u-1", testID, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ActionFresh, d.Action)

	now = t0.Add(3 * time.Minute)
	d, err = m.ResolveTiming(ctx, "u-1", testID, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ActionResume, d.Action)
	assert.Equal(t, 420, d.RemainingSeconds)

	var timer model.TimerState
	require.NoError(t, st.Get(ctx, timerKey, &timer))
	assert.True(t, t0.Equal(timer.StartedAt), "resume must not rewrite the start")
}

func TestManagerExpiredRestartClearsSession(t *testing.T) {
	ctx := context.Background()
	now := t0
	m, st, disc := newManager(&now)
	testID := uuid.New()

	_, err := m.ResolveTiming(ctx, "u-1", testID, 10, false)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, config.CacheKey.AdaptiveStateKey(testID, "u-1"), map[string]int{"score": 2}, 0))

	now = t0.Add(9*time.Minute + 45*time.Second)
	d, err := m.ResolveTiming(ctx, "u-1", testID, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ActionExpiredRestart, d.Action)
	assert.Equal(t, 600, d.RemainingSeconds)
	assert.Zero(t, disc.deleted, "expiry keeps the stored response")

	var state map[string]int
	assert.ErrorIs(t, st.Get(ctx, config.CacheKey.AdaptiveStateKey(testID, "u-1"), &state), store.ErrNotFound)

	var timer model.TimerState
	require.NoError(t, st.Get(ctx, config.CacheKey.SessionTimerKey(testID, "u-1"), &timer))
	assert.True(t, now.Equal(timer.StartedAt))
}

func TestManagerForcedRestartDiscardsResponse(t *testing.T) {
	ctx := context.Background()
	now := t0
	m, _, disc := newManager(&now)
	testID := uuid.New()

	_, err := m.ResolveTiming(ctx, "u-1", testID, 10, false)
	require.NoError(t, err)

	now = t0.Add(time.Minute)
	d, err := m.ResolveTiming(ctx, "u-1", testID, 10, true)
	require.NoError(t, err)
	assert.Equal(t, ActionForcedRestart, d.Action)
	assert.Equal(t, 600, d.RemainingSeconds)
	assert.Equal(t, 1, disc.deleted)
}
