package session

import (
	"context"
	"time"

	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/submission"
)

// startCountdown ticks every TickInterval until the session finalizes. s.mu is held.
func (m *Manager) startCountdown(s *Session) {
	if s.stop != nil {
		s.stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	go func() {
		ticker := time.NewTicker(m.Policy.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if done := m.tick(ctx, s); done {
					return
				}
			}
		}
	}()
}

// tick pushes the remaining time and finalizes the session at zero. It
// reports whether the countdown should stop.
func (m *Manager) tick(ctx context.Context, s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || s.state == StateFinalized {
		return true
	}
	if s.state != StateActive {
		return false
	}

	remaining := s.remainingLocked()
	if remaining > 0 {
		s.broadcastLocked(Update{Kind: UpdateTick, RemainingSeconds: remaining})
		return false
	}
	if s.expiryFailed {
		// Waiting for a manual resubmission.
		return false
	}

	m.expireLocked(s)
	return s.state == StateFinalized
}

// expireLocked ends a session whose time ran out. With answers it is
// submitted; without any it ends with no Response.
func (m *Manager) expireLocked(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	log := m.log.With().Str("user_id", s.userID).Str("test_id", s.testID.String()).Logger()

	if len(s.progress.Answers) == 0 {
		if err := m.Timing.Discard(ctx, s.userID, s.testID); err != nil {
			log.Warn().Err(err).Msg("Failed to clear expired session")
		}
		s.state = StateFinalized
		s.shutdownLocked()
		s.broadcastLocked(Update{Kind: UpdateFinished})
		s.closeSubsLocked()
		m.remove(s)
		m.publish(ctx, event.New(event.IntegrityLockRelease, s.testID, s.userID, nil))
		log.Info().Msg("Session expired without answers")
		return
	}

	req := s.beginSubmitLocked(submission.TriggerTimeExpired)
	if _, err := m.submitLocked(ctx, s, req); err != nil {
		s.expiryFailed = true
		s.broadcastLocked(Update{Kind: UpdateError, Error: err.Error()})
		log.Error().Err(err).Msg("Automatic submission failed, waiting for manual resubmission")
	}
}
