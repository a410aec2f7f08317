// internal/domain/contractor.go
package domain

import (
	"fmt"
	"math"
	"time"
)

// Role of a marketplace user.
type Role string

const (
	RoleContractor Role = "contractor"
	RoleHomeowner  Role = "homeowner"
)

// Availability of a contractor for new work.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

// Urgency of a posted job; it drives the default offer TTL.
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

var offerTTLByUrgency = map[Urgency]time.Duration{
	UrgencyNormal:    3 * time.Minute,
	UrgencyUrgent:    2 * time.Minute,
	UrgencyEmergency: time.Minute,
}

// OfferTTL returns how long an offer stays open for a job of this urgency.
func (u Urgency) OfferTTL() time.Duration {
	if ttl, ok := offerTTLByUrgency[u]; ok {
		return ttl
	}
	return offerTTLByUrgency[UrgencyNormal]
}

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinates are finite and in range.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lng, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrValidation)
	}
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrValidation, l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrValidation, l.Lng)
	}
	return nil
}

// Job is the slice of a posted job the dispatch engine needs.
type Job struct {
	ID             string   `json:"id"`
	Location       Location `json:"location"`
	Title          string   `json:"title,omitempty"`
	EstimatedValue float64  `json:"estimated_value,omitempty"`
	Urgency        Urgency  `json:"urgency,omitempty"`
}

// Contractor is a marketplace user as seen by the matcher.
type Contractor struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Role          Role         `json:"role"`
	Location      Location     `json:"location"`
	Rating        float64      `json:"rating"`
	CompletedJobs int          `json:"completed_jobs"`
	Availability  Availability `json:"availability"`
	Verified      bool         `json:"verified"`
	PushToken     string       `json:"push_token,omitempty"`
}

// ContractorDispatchInfo is a ranked candidate snapshot. It is never persisted.
type ContractorDispatchInfo struct {
	ContractorID  string       `json:"contractor_id"`
	Name          string       `json:"name,omitempty"`
	Location      Location     `json:"location"`
	Distance      float64      `json:"distance"`
	Rating        float64      `json:"rating"`
	CompletedJobs int          `json:"completed_jobs"`
	Availability  Availability `json:"availability"`
	PushToken     string       `json:"push_token,omitempty"`
}
