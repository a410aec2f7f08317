// internal/domain/round.go
package domain

import "time"

// RoundStatus defines the status of a dispatch round.
type RoundStatus string

const (
	RoundStatusActive    RoundStatus = "active"
	RoundStatusCompleted RoundStatus = "completed"
	RoundStatusExpired   RoundStatus = "expired"
)

// DispatchRound records one broadcast attempt for a job.
type DispatchRound struct {
	ID                  string      `json:"id"`
	JobID               string      `json:"job_id"`
	Round               int         `json:"round"`
	ContractorsNotified []string    `json:"contractors_notified"`
	CreatedAt           time.Time   `json:"created_at"`
	Status              RoundStatus `json:"status"`
}

// ConcludedStatus derives the final status of a round from its assignments.
// It returns false while any assignment is still pending.
func ConcludedStatus(assignments []*JobAssignment) (RoundStatus, bool) {
	taken := false
	for _, a := range assignments {
		switch a.Status {
		case AssignmentStatusPending:
			return "", false
		case AssignmentStatusAccepted, AssignmentStatusWithdrawn:
			taken = true
		}
	}
	if taken {
		return RoundStatusCompleted, true
	}
	return RoundStatusExpired, true
}
