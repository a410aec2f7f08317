package http

import (
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/usecase"
)

// LocationRequest is a coordinate pair in degrees.
type LocationRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

func (l LocationRequest) toDomain() domain.Location {
	return domain.Location{Lat: l.Lat, Lng: l.Lng}
}

// JobRequest describes the job being dispatched. The id comes from the path.
type JobRequest struct {
	Title          string          `json:"title" validate:"max=256"`
	EstimatedValue float64         `json:"estimated_value" validate:"gte=0"`
	Urgency        string          `json:"urgency" validate:"omitempty,oneof=normal urgent emergency"`
	Location       LocationRequest `json:"location" validate:"required"`
}

func (r JobRequest) toDomain(id string) domain.Job {
	return domain.Job{
		ID:             id,
		Location:       r.Location.toDomain(),
		Title:          r.Title,
		EstimatedValue: r.EstimatedValue,
		Urgency:        domain.Urgency(r.Urgency),
	}
}

// ContractorRequest is a pool entry or a directory upsert.
type ContractorRequest struct {
	ID            string          `json:"id" validate:"required,max=128"`
	Name          string          `json:"name" validate:"max=256"`
	Role          string          `json:"role" validate:"omitempty,oneof=contractor homeowner"`
	Location      LocationRequest `json:"location" validate:"required"`
	Rating        float64         `json:"rating" validate:"gte=0"`
	CompletedJobs int             `json:"completed_jobs" validate:"gte=0"`
	Availability  string          `json:"availability" validate:"omitempty,oneof=available busy offline"`
	Verified      bool            `json:"verified"`
	PushToken     string          `json:"push_token"`
}

// ToDomainContractor applies defaults: role contractor, availability available.
func (r ContractorRequest) ToDomainContractor() *domain.Contractor {
	role := domain.Role(r.Role)
	if role == "" {
		role = domain.RoleContractor
	}
	availability := domain.Availability(r.Availability)
	if availability == "" {
		availability = domain.AvailabilityAvailable
	}
	return &domain.Contractor{
		ID:            r.ID,
		Name:          r.Name,
		Role:          role,
		Location:      r.Location.toDomain(),
		Rating:        r.Rating,
		CompletedJobs: r.CompletedJobs,
		Availability:  availability,
		Verified:      r.Verified,
		PushToken:     r.PushToken,
	}
}

// RunRoundRequest opens the next round. Omitting pool dispatches against the
// contractor directory; zero params use the service defaults.
type RunRoundRequest struct {
	Job              JobRequest          `json:"job" validate:"required"`
	Pool             []ContractorRequest `json:"pool,omitempty" validate:"omitempty,dive"`
	TTL              string              `json:"ttl" validate:"omitempty,duration"`
	BatchSize        int                 `json:"batch_size" validate:"gte=0,lte=100"`
	MaxDistanceMiles float64             `json:"max_distance_miles" validate:"gte=0"`
	Track            bool                `json:"track"`
}

func (r *RunRoundRequest) pool() []*domain.Contractor {
	if r.Pool == nil {
		return nil
	}
	pool := make([]*domain.Contractor, 0, len(r.Pool))
	for _, c := range r.Pool {
		pool = append(pool, c.ToDomainContractor())
	}
	return pool
}

func (r *RunRoundRequest) params() usecase.RoundParams {
	ttl, _ := time.ParseDuration(r.TTL)
	return usecase.RoundParams{
		TTL:              ttl,
		BatchSize:        r.BatchSize,
		MaxDistanceMiles: r.MaxDistanceMiles,
	}
}

// RespondRequest is a contractor's answer to an offer.
type RespondRequest struct {
	ContractorID string `json:"contractor_id" validate:"required"`
	Decision     string `json:"decision" validate:"required,oneof=accept reject"`
}

type PushTokenRequest struct {
	Token string `json:"token" validate:"required,max=512"`
}

// RoundResponse is returned after a round was opened.
type RoundResponse struct {
	Round       *domain.DispatchRound   `json:"round"`
	Assignments []*domain.JobAssignment `json:"assignments"`
	Tracked     bool                    `json:"tracked"`
}

// TransitionResponse is returned after a respond call.
type TransitionResponse struct {
	Assignment *domain.JobAssignment   `json:"assignment"`
	Withdrawn  []*domain.JobAssignment `json:"withdrawn,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

type SweepResponse struct {
	Expired []*domain.JobAssignment `json:"expired"`
	Count   int                     `json:"count"`
}

type ReassignResponse struct {
	JobID   string         `json:"job_id"`
	Outcome string         `json:"outcome"`
	Round   *RoundResponse `json:"round,omitempty"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
