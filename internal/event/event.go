// Package event publishes session lifecycle events to external collaborators
// such as the integrity monitor.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the routing key of an event.
type Type string

const (
	SessionStarted       Type = "session.started"
	SessionCompleted     Type = "session.completed"
	IntegrityViolation   Type = "integrity.violation"
	IntegrityLockRelease Type = "integrity.lock_released"
)

// Event is one lifecycle notification.
type Event struct {
	Type       Type           `json:"type"`
	TestID     uuid.UUID      `json:"test_id"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, testID uuid.UUID, userID string, data map[string]any) *Event {
	return &Event{Type: t, TestID: testID, UserID: userID, OccurredAt: time.Now().UTC(), Data: data}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	r.events = append(r.events, *e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of every published event in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	types := make([]Type, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}
