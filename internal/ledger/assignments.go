package ledger

import (
	"context"
	"fmt"
	"time"

	"contractor-dispatch/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type assignments = []*domain.JobAssignment

// GetAll returns every assignment in the ledger.
func (l *Ledger) GetAll(ctx context.Context) ([]*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetAll")
	defer span.End()

	return l.filter(ctx, span, func(*domain.JobAssignment) bool { return true })
}

func (l *Ledger) GetByID(ctx context.Context, id string) (*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetByID")
	defer span.End()
	span.SetAttributes(attribute.String("assignment.id", id))

	all, _, err := load[assignments](ctx, l.store, AssignmentsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load assignments")
	}
	for _, a := range all {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
}

func (l *Ledger) GetByJob(ctx context.Context, jobID string) ([]*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetByJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	return l.filter(ctx, span, func(a *domain.JobAssignment) bool { return a.JobID == jobID })
}

func (l *Ledger) GetByContractor(ctx context.Context, contractorID string) ([]*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetByContractor")
	defer span.End()
	span.SetAttributes(attribute.String("contractor.id", contractorID))

	return l.filter(ctx, span, func(a *domain.JobAssignment) bool { return a.ContractorID == contractorID })
}

// GetPendingForContractor returns the contractor's offers that are still open at now.
func (l *Ledger) GetPendingForContractor(ctx context.Context, contractorID string, now time.Time) ([]*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetPendingForContractor")
	defer span.End()
	span.SetAttributes(attribute.String("contractor.id", contractorID))

	return l.filter(ctx, span, func(a *domain.JobAssignment) bool {
		return a.ContractorID == contractorID && a.IsLive(now)
	})
}

func (l *Ledger) filter(ctx context.Context, span trace.Span, keep func(*domain.JobAssignment) bool) ([]*domain.JobAssignment, error) {
	all, _, err := load[assignments](ctx, l.store, AssignmentsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load assignments")
	}

	out := make([]*domain.JobAssignment, 0, len(all))
	for _, a := range all {
		if keep(a) {
			out = append(out, a)
		}
	}
	span.SetAttributes(attribute.Int("assignment.count", len(out)))
	return out, nil
}

// Create adds a single assignment.
func (l *Ledger) Create(ctx context.Context, a *domain.JobAssignment) error {
	ctx, span := l.tracer.Start(ctx, "ledger.Create")
	defer span.End()

	return l.insert(ctx, span, []*domain.JobAssignment{a})
}

// CreateBulk adds all assignments in one write; either all of them land or none do.
func (l *Ledger) CreateBulk(ctx context.Context, as []*domain.JobAssignment) error {
	ctx, span := l.tracer.Start(ctx, "ledger.CreateBulk")
	defer span.End()

	if len(as) == 0 {
		return nil
	}
	return l.insert(ctx, span, as)
}

func (l *Ledger) insert(ctx context.Context, span trace.Span, as []*domain.JobAssignment) error {
	incoming := make(map[string]struct{}, len(as))
	for _, a := range as {
		if err := a.Validate(); err != nil {
			return fail(span, err, "invalid assignment")
		}
		if _, dup := incoming[a.ID]; dup {
			return fail(span, fmt.Errorf("assignment %s given twice: %w", a.ID, domain.ErrValidation), "duplicate assignment")
		}
		incoming[a.ID] = struct{}{}
	}
	span.SetAttributes(attribute.Int("assignment.count", len(as)), attribute.String("job.id", as[0].JobID))

	err := mutate(ctx, l, AssignmentsKey, func(all *assignments) (bool, error) {
		for _, existing := range *all {
			if _, dup := incoming[existing.ID]; dup {
				return false, fmt.Errorf("assignment %s already exists: %w", existing.ID, domain.ErrConflict)
			}
		}
		// Checked inside the write so an accept committed after the caller's
		// read still blocks new offers on the job.
		for _, a := range as {
			if taken := acceptedFor(*all, a.JobID, ""); taken != nil {
				return false, fmt.Errorf("job %s already accepted by assignment %s: %w", a.JobID, taken.ID, domain.ErrConflict)
			}
		}
		*all = append(*all, as...)
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to create assignments")
	}
	return nil
}

// UpdateStatus moves one pending assignment to a terminal status. Terminal
// assignments are never rewritten and a second accepted assignment for the
// same job is refused. It writes the single row only: expiry checks and the
// sibling withdrawal on accept belong to the state machine, which is the only
// path that cascades.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status domain.AssignmentStatus, respondedAt *time.Time) (*domain.JobAssignment, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("assignment.id", id), attribute.String("assignment.status", string(status)))

	if !status.Valid() || !status.IsTerminal() {
		return nil, fail(span, fmt.Errorf("status %q is not a terminal status: %w", status, domain.ErrValidation), "invalid status")
	}

	var updated *domain.JobAssignment
	err := mutate(ctx, l, AssignmentsKey, func(all *assignments) (bool, error) {
		updated = nil
		target := findAssignment(*all, id)
		if target == nil {
			return false, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
		}
		if target.Status.IsTerminal() {
			return false, fmt.Errorf("assignment %s is already %s: %w", id, target.Status, domain.ErrConflict)
		}
		if status == domain.AssignmentStatusAccepted {
			if other := acceptedFor(*all, target.JobID, target.ID); other != nil {
				return false, fmt.Errorf("job %s already accepted by assignment %s: %w", target.JobID, other.ID, domain.ErrConflict)
			}
		}
		target.Status = status
		if respondedAt != nil {
			t := *respondedAt
			target.RespondedAt = &t
		}
		updated = target
		return true, nil
	})
	if err != nil {
		return nil, fail(span, err, "failed to update assignment status")
	}
	return updated, nil
}

// MutateAssignments hands the whole collection to fn and commits its edits atomically.
func (l *Ledger) MutateAssignments(ctx context.Context, fn domain.AssignmentMutation) error {
	ctx, span := l.tracer.Start(ctx, "ledger.MutateAssignments")
	defer span.End()

	err := mutate(ctx, l, AssignmentsKey, func(all *assignments) (bool, error) {
		return fn(*all)
	})
	if err != nil {
		return fail(span, err, "assignment mutation failed")
	}
	return nil
}

func findAssignment(all []*domain.JobAssignment, id string) *domain.JobAssignment {
	for _, a := range all {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// acceptedFor returns the accepted assignment of jobID other than exceptID, if any.
func acceptedFor(all []*domain.JobAssignment, jobID, exceptID string) *domain.JobAssignment {
	for _, a := range all {
		if a.JobID == jobID && a.ID != exceptID && a.Status == domain.AssignmentStatusAccepted {
			return a
		}
	}
	return nil
}
