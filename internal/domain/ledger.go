package domain

import (
	"context"
	"time"
)

// KVStore is the generic key-value repository the ledger persists into.
// A missing key reads as a nil value with version 0.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSet writes value only if the key is still at version.
	// It reports false when another writer got there first.
	CompareAndSet(ctx context.Context, key string, version int64, value []byte) (bool, error)
}

// AssignmentMutation edits the full assignment collection in place.
// Returning changed=true commits the edit even when err is non-nil.
type AssignmentMutation func(all []*JobAssignment) (changed bool, err error)

// AssignmentStore persists job assignments.
type AssignmentStore interface {
	GetAll(ctx context.Context) ([]*JobAssignment, error)
	GetByID(ctx context.Context, id string) (*JobAssignment, error)
	GetByJob(ctx context.Context, jobID string) ([]*JobAssignment, error)
	GetByContractor(ctx context.Context, contractorID string) ([]*JobAssignment, error)
	GetPendingForContractor(ctx context.Context, contractorID string, now time.Time) ([]*JobAssignment, error)
	Create(ctx context.Context, a *JobAssignment) error
	CreateBulk(ctx context.Context, as []*JobAssignment) error
	UpdateStatus(ctx context.Context, id string, status AssignmentStatus, respondedAt *time.Time) (*JobAssignment, error)
	MutateAssignments(ctx context.Context, fn AssignmentMutation) error
}

// RoundStore persists dispatch round history.
type RoundStore interface {
	SaveRound(ctx context.Context, r *DispatchRound) error
	GetRoundsForJob(ctx context.Context, jobID string) ([]*DispatchRound, error)
	LatestRoundNumber(ctx context.Context, jobID string) (int, error)
	// ConcludeRounds settles every active round of the job whose assignments are all terminal.
	ConcludeRounds(ctx context.Context, jobID string) ([]*DispatchRound, error)
}

// PushTokenStore maps contractor ids to device push tokens.
type PushTokenStore interface {
	SavePushToken(ctx context.Context, contractorID, token string) error
	GetPushToken(ctx context.Context, contractorID string) (string, error)
	AllPushTokens(ctx context.Context) (map[string]string, error)
}

// TrackedJob is a job the auto-reassign loop keeps dispatching until someone accepts.
type TrackedJob struct {
	Job              Job           `json:"job"`
	TTL              time.Duration `json:"ttl"`
	BatchSize        int           `json:"batch_size"`
	MaxDistanceMiles float64       `json:"max_distance_miles"`
	TrackedAt        time.Time     `json:"tracked_at"`
}

// TrackingStore holds the set of jobs under auto-reassign.
type TrackingStore interface {
	TrackJob(ctx context.Context, t *TrackedJob) error
	UntrackJob(ctx context.Context, jobID string) error
	GetTrackedJob(ctx context.Context, jobID string) (*TrackedJob, error)
	ListTrackedJobs(ctx context.Context) ([]*TrackedJob, error)
}

// ContractorDirectory is the contractor pool used when no pool is supplied by the caller.
type ContractorDirectory interface {
	SaveContractor(ctx context.Context, c *Contractor) error
	ListContractors(ctx context.Context) ([]*Contractor, error)
}

// AssignmentLedger is the full repository the dispatch engine works against.
type AssignmentLedger interface {
	AssignmentStore
	RoundStore
	PushTokenStore
	TrackingStore
	ContractorDirectory
}
