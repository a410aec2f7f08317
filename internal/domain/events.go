package domain

import (
	"context"
	"time"
)

// EventType names a dispatch domain event.
type EventType string

const (
	EventRoundStarted        EventType = "round_started"
	EventPoolExhausted       EventType = "pool_exhausted"
	EventRoundConcluded      EventType = "round_concluded"
	EventAssignmentAccepted  EventType = "assignment_accepted"
	EventAssignmentRejected  EventType = "assignment_rejected"
	EventAssignmentExpired   EventType = "assignment_expired"
	EventAssignmentWithdrawn EventType = "assignment_withdrawn"
)

// DispatchEvent is published whenever a round or assignment changes state.
type DispatchEvent struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"job_id"`
	Round        int       `json:"round,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	ContractorID string    `json:"contractor_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AssignmentEvent builds the event for an assignment that reached status.
func AssignmentEvent(a *JobAssignment, at time.Time) DispatchEvent {
	var t EventType
	switch a.Status {
	case AssignmentStatusAccepted:
		t = EventAssignmentAccepted
	case AssignmentStatusRejected:
		t = EventAssignmentRejected
	case AssignmentStatusExpired:
		t = EventAssignmentExpired
	case AssignmentStatusWithdrawn:
		t = EventAssignmentWithdrawn
	}
	return DispatchEvent{
		Type:         t,
		JobID:        a.JobID,
		Round:        a.Round,
		AssignmentID: a.ID,
		ContractorID: a.ContractorID,
		Status:       string(a.Status),
		OccurredAt:   at,
	}
}

// EventPublisher ships dispatch events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt DispatchEvent) error
	Close() error
}
