// internal/domain/assignment.go
package domain

import (
	"fmt"
	"time"
)

// AssignmentStatus defines the lifecycle state of a job assignment.
type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "pending"
	AssignmentStatusAccepted  AssignmentStatus = "accepted"
	AssignmentStatusRejected  AssignmentStatus = "rejected"
	AssignmentStatusExpired   AssignmentStatus = "expired"
	AssignmentStatusWithdrawn AssignmentStatus = "withdrawn"
)

// IsTerminal reports whether no transition can leave the status.
func (s AssignmentStatus) IsTerminal() bool {
	return s != AssignmentStatusPending
}

// Valid reports whether s is one of the known statuses.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentStatusPending, AssignmentStatusAccepted, AssignmentStatusRejected,
		AssignmentStatusExpired, AssignmentStatusWithdrawn:
		return true
	}
	return false
}

// JobAssignment is one offer of a job to one contractor.
type JobAssignment struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	ContractorID  string           `json:"contractor_id"`
	Round         int              `json:"round"`
	Status        AssignmentStatus `json:"status"`
	DistanceMiles float64          `json:"distance_miles"`
	OfferedAt     time.Time        `json:"offered_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	RespondedAt   *time.Time       `json:"responded_at,omitempty"`
}

// Validate checks if the assignment record is well formed.
func (a *JobAssignment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: assignment id cannot be empty", ErrValidation)
	}
	if a.JobID == "" {
		return fmt.Errorf("%w: assignment job id cannot be empty", ErrValidation)
	}
	if a.ContractorID == "" {
		return fmt.Errorf("%w: assignment contractor id cannot be empty", ErrValidation)
	}
	if a.Round < 1 {
		return fmt.Errorf("%w: assignment round must be >= 1, got %d", ErrValidation, a.Round)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: invalid assignment status %q", ErrValidation, a.Status)
	}
	if !a.ExpiresAt.After(a.OfferedAt) {
		return fmt.Errorf("%w: assignment %s expires_at must be after offered_at", ErrValidation, a.ID)
	}
	return nil
}

// IsLive reports whether the offer is still pending and unexpired at now.
func (a *JobAssignment) IsLive(now time.Time) bool {
	return a.Status == AssignmentStatusPending && now.Before(a.ExpiresAt)
}

// Accept moves a pending, unexpired assignment to accepted.
// Exclusivity across the job is checked by the caller that owns the collection.
func (a *JobAssignment) Accept(now time.Time) error {
	if err := a.requirePending(AssignmentStatusAccepted); err != nil {
		return err
	}
	if !now.Before(a.ExpiresAt) {
		return fmt.Errorf("%w: assignment %s expired at %s", ErrConflict, a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	a.Status = AssignmentStatusAccepted
	a.RespondedAt = &now
	return nil
}

// Reject moves a pending assignment to rejected.
func (a *JobAssignment) Reject(now time.Time) error {
	if err := a.requirePending(AssignmentStatusRejected); err != nil {
		return err
	}
	a.Status = AssignmentStatusRejected
	a.RespondedAt = &now
	return nil
}

// Expire moves a pending assignment to expired once now has reached expires_at.
func (a *JobAssignment) Expire(now time.Time) error {
	if err := a.requirePending(AssignmentStatusExpired); err != nil {
		return err
	}
	if now.Before(a.ExpiresAt) {
		return fmt.Errorf("%w: assignment %s does not expire until %s", ErrConflict, a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	a.Status = AssignmentStatusExpired
	return nil
}

// Withdraw moves a pending assignment to withdrawn after a sibling was accepted.
func (a *JobAssignment) Withdraw() error {
	if err := a.requirePending(AssignmentStatusWithdrawn); err != nil {
		return err
	}
	a.Status = AssignmentStatusWithdrawn
	return nil
}

func (a *JobAssignment) requirePending(to AssignmentStatus) error {
	if a.Status != AssignmentStatusPending {
		return fmt.Errorf("%w: assignment %s cannot move from %s to %s", ErrConflict, a.ID, a.Status, to)
	}
	return nil
}
