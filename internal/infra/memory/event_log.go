package memory

import (
	"context"
	"log/slog"
	"sync"

	"contractor-dispatch/internal/domain"
)

// EventLog is a domain.EventPublisher that keeps events in memory and logs them.
// It stands in for the broker when none is configured.
type EventLog struct {
	mu     sync.Mutex
	events []domain.DispatchEvent
	logger *slog.Logger
}

func NewEventLog(logger *slog.Logger) *EventLog {
	return &EventLog{logger: logger.With("component", "event-log")}
}

var _ domain.EventPublisher = (*EventLog)(nil)

func (l *EventLog) Publish(_ context.Context, evt domain.DispatchEvent) error {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()

	l.logger.Debug("dispatch event", "type", evt.Type, "job_id", evt.JobID, "round", evt.Round, "assignment_id", evt.AssignmentID)
	return nil
}

// Events returns a snapshot of everything published so far.
func (l *EventLog) Events() []domain.DispatchEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DispatchEvent, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns the published events of type t.
func (l *EventLog) OfType(t domain.EventType) []domain.DispatchEvent {
	var out []domain.DispatchEvent
	for _, evt := range l.Events() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (l *EventLog) Close() error { return nil }
