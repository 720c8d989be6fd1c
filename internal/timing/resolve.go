// Package timing establishes and recovers the authoritative countdown of a
// session. Remaining time is always derived from the persisted start.
package timing

import (
	"time"
)

// Action is the outcome of timing resolution.
type Action string

const (
	ActionFresh          Action = "fresh"
	ActionResume         Action = "resume"
	ActionExpiredRestart Action = "expired_restart"
	ActionForcedRestart  Action = "forced_restart"
)

// Restarts reports whether the action starts a new session from scratch.
func (a Action) Restarts() bool {
	return a != ActionResume
}

// Input is everything Resolve needs. PersistedStart is nil when no timer exists.
type Input struct {
	Now            time.Time
	PersistedStart *time.Time
	Duration       time.Duration
	ForceRestart   bool
	Grace          time.Duration
}

// Decision is the resolved timing of a session.
type Decision struct {
	Action           Action
	StartedAt        time.Time
	RemainingSeconds int
}

// Resolve decides whether a session resumes or starts over. A persisted
// session with Grace or less remaining is treated as expired.
func Resolve(in Input) Decision {
	full := int(in.Duration / time.Second)

	if in.ForceRestart {
		return Decision{Action: ActionForcedRestart, StartedAt: in.Now, RemainingSeconds: full}
	}
	if in.PersistedStart == nil {
		return Decision{Action: ActionFresh, StartedAt: in.Now, RemainingSeconds: full}
	}

	remaining := Remaining(*in.PersistedStart, in.Duration, in.Now)
	if remaining > int(in.Grace/time.Second) {
		return Decision{Action: ActionResume, StartedAt: *in.PersistedStart, RemainingSeconds: remaining}
	}
	return Decision{Action: ActionExpiredRestart, StartedAt: in.Now, RemainingSeconds: full}
}

// Remaining is duration minus the whole seconds elapsed since start. It can be negative.
func Remaining(start time.Time, duration time.Duration, now time.Time) int {
	elapsed := int(now.Sub(start) / time.Second)
	return int(duration/time.Second) - elapsed
}

// ClampRemaining bounds a remaining count to [0, duration].
func ClampRemaining(remaining int, duration time.Duration) int {
	full := int(duration / time.Second)
	switch {
	case remaining < 0:
		return 0
	case remaining > full:
		return full
	}
	return remaining
}
