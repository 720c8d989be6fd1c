package timing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/store"
)

// ResponseDiscarder removes a persisted Response on forced restart.
type ResponseDiscarder interface {
	Delete(ctx context.Context, testID uuid.UUID, userID string) error
}

// Manager applies timing decisions to the store.
type Manager struct {
	store     store.Store
	responses ResponseDiscarder
	grace     time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(st store.Store, responses ResponseDiscarder, policy config.Policy, log zerolog.Logger) *Manager {
	return &Manager{
		store:     st,
		responses: responses,
		grace:     time.Duration(policy.GraceSeconds) * time.Second,
		now:       time.Now,
		log:       log.With().Str("component", "timing_manager").Logger(),
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// ResolveTiming resolves the countdown of (user,test) and applies its side
// effects. The start is written only when a fresh session is established, so
// reloading never resets the clock.
func (m *Manager) ResolveTiming(ctx context.Context, userID string, testID uuid.UUID, durationMinutes int, forceRestart bool) (Decision, error) {
	timerKey := config.CacheKey.SessionTimerKey(testID, userID)

	var persisted *time.Time
	var timer model.TimerState
	err := m.store.Get(ctx, timerKey, &timer)
	switch {
	case err == nil:
		persisted = &timer.StartedAt
	case errors.Is(err, store.ErrNotFound):
	default:
		return Decision{}, fmt.Errorf("load timer: %w", err)
	}

	d := Resolve(Input{
		Now:            m.now(),
		PersistedStart: persisted,
		Duration:       time.Duration(durationMinutes) * time.Minute,
		ForceRestart:   forceRestart,
		Grace:          m.grace,
	})

	switch d.Action {
	case ActionResume:
		return d, nil
	case ActionForcedRestart:
		if err := m.responses.Delete(ctx, testID, userID); err != nil {
			return Decision{}, fmt.Errorf("discard response: %w", err)
		}
		fallthrough
	case ActionExpiredRestart:
		if err := m.Discard(ctx, userID, testID); err != nil {
			return Decision{}, err
		}
	}

	if err := m.store.Set(ctx, timerKey, model.TimerState{StartedAt: d.StartedAt}, 0); err != nil {
		return Decision{}, fmt.Errorf("persist timer: %w", err)
	}

	m.log.Info().
		Str("user_id", userID).
		Str("test_id", testID.String()).
		Str("action", string(d.Action)).
		Int("remaining", d.RemainingSeconds).
		Msg("Session timing resolved")
	return d, nil
}

// Discard removes every transient path of the session.
func (m *Manager) Discard(ctx context.Context, userID string, testID uuid.UUID) error {
	if err := m.store.Delete(ctx, config.CacheKey.SessionPaths(testID, userID)...); err != nil {
		return fmt.Errorf("discard session state: %w", err)
	}
	return nil
}
