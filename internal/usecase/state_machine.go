package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transition is the outcome of one state machine step.
type Transition struct {
	Assignment *domain.JobAssignment
	// Withdrawn holds the siblings cascaded to withdrawn by an accept.
	Withdrawn []*domain.JobAssignment
}

// AssignmentStateMachine is the only writer of assignment statuses. Each step runs
// under the job's in-process mutex and commits as a single compare-and-set write
// on the assignment collection, so the cascade lands together with the accept.
type AssignmentStateMachine struct {
	store  domain.AssignmentStore
	events domain.EventPublisher
	locks  *jobMutex
	now    Clock
	logger *slog.Logger
	tracer trace.Tracer
}

func NewAssignmentStateMachine(store domain.AssignmentStore, events domain.EventPublisher, now Clock, logger *slog.Logger) *AssignmentStateMachine {
	if now == nil {
		now = SystemClock
	}
	return &AssignmentStateMachine{
		store:  store,
		events: events,
		locks:  newJobMutex(),
		now:    now,
		logger: logger.With("component", "state-machine"),
		tracer: otel.Tracer("contractor-dispatch-usecase"),
	}
}

// step edits target inside the committed mutation. It returns whether anything changed.
type step func(now time.Time, target *domain.JobAssignment, all []*domain.JobAssignment, out *Transition) (bool, error)

// Accept accepts a pending offer and withdraws every other pending offer of the job.
// An offer that is past its expiry is expired instead and Accept returns ErrConflict.
func (m *AssignmentStateMachine) Accept(ctx context.Context, id string) (*Transition, error) {
	return m.run(ctx, "statemachine.Accept", id, func(now time.Time, target *domain.JobAssignment, all []*domain.JobAssignment, out *Transition) (bool, error) {
		if target.Status == domain.AssignmentStatusPending && !now.Before(target.ExpiresAt) {
			if err := target.Expire(now); err != nil {
				return false, err
			}
			out.Assignment = target
			return true, fmt.Errorf("assignment %s expired at %s: %w", target.ID, target.ExpiresAt.Format(time.RFC3339), domain.ErrConflict)
		}
		for _, other := range all {
			if other.JobID == target.JobID && other.ID != target.ID && other.Status == domain.AssignmentStatusAccepted {
				return false, fmt.Errorf("job %s already accepted by assignment %s: %w", target.JobID, other.ID, domain.ErrConflict)
			}
		}
		if err := target.Accept(now); err != nil {
			return false, err
		}
		for _, other := range all {
			if other.JobID == target.JobID && other.ID != target.ID && other.Status == domain.AssignmentStatusPending {
				if err := other.Withdraw(); err != nil {
					return false, err
				}
				out.Withdrawn = append(out.Withdrawn, other)
			}
		}
		out.Assignment = target
		return true, nil
	})
}

// Reject declines a pending offer.
func (m *AssignmentStateMachine) Reject(ctx context.Context, id string) (*Transition, error) {
	return m.run(ctx, "statemachine.Reject", id, func(now time.Time, target *domain.JobAssignment, _ []*domain.JobAssignment, out *Transition) (bool, error) {
		if err := target.Reject(now); err != nil {
			return false, err
		}
		out.Assignment = target
		return true, nil
	})
}

// Expire lapses a pending offer whose expiry has been reached.
func (m *AssignmentStateMachine) Expire(ctx context.Context, id string) (*Transition, error) {
	return m.run(ctx, "statemachine.Expire", id, func(now time.Time, target *domain.JobAssignment, _ []*domain.JobAssignment, out *Transition) (bool, error) {
		if err := target.Expire(now); err != nil {
			return false, err
		}
		out.Assignment = target
		return true, nil
	})
}

func (m *AssignmentStateMachine) run(ctx context.Context, spanName, id string, apply step) (*Transition, error) {
	ctx, span := m.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("assignment.id", id))

	current, err := m.store.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load assignment")
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", current.JobID))

	unlock := m.locks.Lock(current.JobID)
	defer unlock()

	// The clock is read under the lock so a late accept is judged at commit time.
	now := m.now()
	var out Transition
	err = m.store.MutateAssignments(ctx, func(all []*domain.JobAssignment) (bool, error) {
		out = Transition{}
		for _, a := range all {
			if a.ID == id {
				return apply(now, a, all, &out)
			}
		}
		return false, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	})

	committed := out.Assignment != nil && !errors.Is(err, domain.ErrStorageUnavailable)
	if committed {
		m.announce(ctx, &out, now)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment transition refused")
		m.logger.Info("assignment transition refused", "assignment_id", id, "job_id", current.JobID, "error", err)
		if committed {
			return &out, err
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("assignment.status", string(out.Assignment.Status)),
		attribute.Int("assignment.withdrawn", len(out.Withdrawn)),
	)
	return &out, nil
}

func (m *AssignmentStateMachine) announce(ctx context.Context, out *Transition, now time.Time) {
	changed := append([]*domain.JobAssignment{out.Assignment}, out.Withdrawn...)
	for _, a := range changed {
		metrics.AssignmentTransitionsTotal.WithLabelValues(string(a.Status)).Inc()
		m.logger.Info("assignment transitioned",
			"assignment_id", a.ID,
			"job_id", a.JobID,
			"contractor_id", a.ContractorID,
			"round", a.Round,
			"status", a.Status,
		)
		publish(ctx, m.events, m.logger, domain.AssignmentEvent(a, now))
	}
}
