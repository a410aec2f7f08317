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

// Decision is a contractor's answer to an offer.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// ReassignOutcome reports what one auto-reassign check did for a job.
type ReassignOutcome string

const (
	OutcomeAssigned   ReassignOutcome = "assigned"
	OutcomeWaiting    ReassignOutcome = "waiting"
	OutcomeReassigned ReassignOutcome = "reassigned"
	OutcomeExhausted  ReassignOutcome = "exhausted"
)

// ReassignResult is the outcome of CheckAndReassign.
type ReassignResult struct {
	JobID   string
	Outcome ReassignOutcome
	Round   *RoundResult
}

// DispatchService is the entry point used by the API and the periodic driver.
type DispatchService struct {
	ledger      domain.AssignmentLedger
	coordinator *DispatchRoundCoordinator
	machine     *AssignmentStateMachine
	reaper      *ExpiryReaper
	events      domain.EventPublisher
	defaults    RoundParams
	now         Clock
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewDispatchService(
	ledger domain.AssignmentLedger,
	coordinator *DispatchRoundCoordinator,
	machine *AssignmentStateMachine,
	reaper *ExpiryReaper,
	events domain.EventPublisher,
	defaults RoundParams,
	now Clock,
	logger *slog.Logger,
) *DispatchService {
	if now == nil {
		now = SystemClock
	}
	return &DispatchService{
		ledger:      ledger,
		coordinator: coordinator,
		machine:     machine,
		reaper:      reaper,
		events:      events,
		defaults:    defaults,
		now:         now,
		logger:      logger.With("component", "dispatch-service"),
		tracer:      otel.Tracer("contractor-dispatch-usecase"),
	}
}

// withDefaults fills zero params from the service defaults. A zero TTL falls back
// to the job's urgency. Negative values are left for the coordinator to reject.
func (s *DispatchService) withDefaults(job domain.Job, p RoundParams) RoundParams {
	if p.TTL == 0 {
		p.TTL = s.defaults.TTL
		if p.TTL == 0 {
			p.TTL = job.Urgency.OfferTTL()
		}
	}
	if p.BatchSize == 0 {
		p.BatchSize = s.defaults.BatchSize
	}
	if p.MaxDistanceMiles == 0 {
		p.MaxDistanceMiles = s.defaults.MaxDistanceMiles
	}
	return p
}

// RunRound opens the next round for job against pool. A nil pool means the contractor directory.
func (s *DispatchService) RunRound(ctx context.Context, job domain.Job, pool []*domain.Contractor, params RoundParams) (*RoundResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.RunRound")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	if pool == nil {
		dir, err := s.ledger.ListContractors(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load contractor directory")
			return nil, err
		}
		pool = dir
	}

	return s.coordinator.RunRound(ctx, RoundRequest{
		Job:         job,
		Pool:        pool,
		RoundParams: s.withDefaults(job, params),
	})
}

// Respond applies a contractor's decision to one of their offers. An assignment
// that belongs to someone else is reported as not found.
func (s *DispatchService) Respond(ctx context.Context, assignmentID, contractorID string, decision Decision) (*Transition, error) {
	ctx, span := s.tracer.Start(ctx, "service.Respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("assignment.id", assignmentID),
		attribute.String("contractor.id", contractorID),
		attribute.String("decision", string(decision)),
	)

	if decision != DecisionAccept && decision != DecisionReject {
		return nil, fmt.Errorf("unknown decision %q: %w", decision, domain.ErrValidation)
	}

	a, err := s.ledger.GetByID(ctx, assignmentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load assignment")
		return nil, err
	}
	if a.ContractorID != contractorID {
		return nil, fmt.Errorf("assignment %s for contractor %s: %w", assignmentID, contractorID, domain.ErrNotFound)
	}

	var t *Transition
	if decision == DecisionAccept {
		t, err = s.machine.Accept(ctx, assignmentID)
	} else {
		t, err = s.machine.Reject(ctx, assignmentID)
	}
	if t != nil {
		concludeRounds(ctx, s.ledger, s.events, s.logger, a.JobID, s.now())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "response refused")
		return t, err
	}
	return t, nil
}

// SweepExpired lapses every offer whose expiry is at or before now.
func (s *DispatchService) SweepExpired(ctx context.Context, now time.Time) ([]*domain.JobAssignment, error) {
	return s.reaper.Sweep(ctx, now)
}

// Sweep lapses overdue offers as of the service clock.
func (s *DispatchService) Sweep(ctx context.Context) ([]*domain.JobAssignment, error) {
	return s.reaper.Sweep(ctx, s.now())
}

// GetActiveAssignment returns the accepted assignment of the job.
func (s *DispatchService) GetActiveAssignment(ctx context.Context, jobID string) (*domain.JobAssignment, error) {
	all, err := s.ledger.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.Status == domain.AssignmentStatusAccepted {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no accepted assignment for job %s: %w", jobID, domain.ErrNotFound)
}

func (s *DispatchService) HasAcceptedAssignment(ctx context.Context, jobID string) (bool, error) {
	_, err := s.GetActiveAssignment(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PendingAssignments returns the contractor's open offers at the current time.
func (s *DispatchService) PendingAssignments(ctx context.Context, contractorID string) ([]*domain.JobAssignment, error) {
	return s.ledger.GetPendingForContractor(ctx, contractorID, s.now())
}

func (s *DispatchService) RegisterPushToken(ctx context.Context, contractorID, token string) error {
	return s.ledger.SavePushToken(ctx, contractorID, token)
}

// UpsertContractor records a contractor in the directory used by tracked jobs.
func (s *DispatchService) UpsertContractor(ctx context.Context, c *domain.Contractor) error {
	return s.ledger.SaveContractor(ctx, c)
}

func (s *DispatchService) AssignmentsForJob(ctx context.Context, jobID string) ([]*domain.JobAssignment, error) {
	return s.ledger.GetByJob(ctx, jobID)
}

func (s *DispatchService) RoundsForJob(ctx context.Context, jobID string) ([]*domain.DispatchRound, error) {
	return s.ledger.GetRoundsForJob(ctx, jobID)
}

// Track puts the job under auto-reassign with the given round params.
func (s *DispatchService) Track(ctx context.Context, job domain.Job, params RoundParams) error {
	params = s.withDefaults(job, params)
	return s.ledger.TrackJob(ctx, &domain.TrackedJob{
		Job:              job,
		TTL:              params.TTL,
		BatchSize:        params.BatchSize,
		MaxDistanceMiles: params.MaxDistanceMiles,
		TrackedAt:        s.now(),
	})
}

// CheckAndReassign drives one tracked job forward: it stops tracking once the job
// is taken or the pool is exhausted, waits while offers are open, and otherwise
// opens the next round against the contractor directory.
func (s *DispatchService) CheckAndReassign(ctx context.Context, jobID string) (*ReassignResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.CheckAndReassign")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	tracked, err := s.ledger.GetTrackedJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	accepted, err := s.HasAcceptedAssignment(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if accepted {
		if err := s.ledger.UntrackJob(ctx, jobID); err != nil {
			return nil, err
		}
		return &ReassignResult{JobID: jobID, Outcome: OutcomeAssigned}, nil
	}

	now := s.now()
	if _, err := s.reaper.Sweep(ctx, now); err != nil {
		return nil, err
	}

	current, err := s.ledger.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range current {
		if a.Status == domain.AssignmentStatusPending {
			return &ReassignResult{JobID: jobID, Outcome: OutcomeWaiting}, nil
		}
	}

	round, err := s.RunRound(ctx, tracked.Job, nil, RoundParams{
		TTL:              tracked.TTL,
		BatchSize:        tracked.BatchSize,
		MaxDistanceMiles: tracked.MaxDistanceMiles,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reassign job")
		return nil, err
	}

	if len(round.Assignments) == 0 {
		if err := s.ledger.UntrackJob(ctx, jobID); err != nil {
			return nil, err
		}
		s.logger.Info("stopped tracking job, no contractors left", "job_id", jobID, "round", round.Round.Round)
		return &ReassignResult{JobID: jobID, Outcome: OutcomeExhausted, Round: round}, nil
	}

	s.logger.Info("job reassigned", "job_id", jobID, "round", round.Round.Round, "notified", len(round.Assignments))
	return &ReassignResult{JobID: jobID, Outcome: OutcomeReassigned, Round: round}, nil
}

// ReassignTracked runs CheckAndReassign for every tracked job. Per-job failures are
// logged and skipped; a round already being opened elsewhere is not a failure.
func (s *DispatchService) ReassignTracked(ctx context.Context) ([]*ReassignResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReassignTracked")
	defer span.End()

	tracked, err := s.ledger.ListTrackedJobs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tracked jobs")
		return nil, err
	}
	metrics.TrackedJobs.Set(float64(len(tracked)))
	span.SetAttributes(attribute.Int("tracked.count", len(tracked)))

	results := make([]*ReassignResult, 0, len(tracked))
	for _, t := range tracked {
		res, err := s.CheckAndReassign(ctx, t.Job.ID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.logger.Debug("skipping job with round in progress", "job_id", t.Job.ID)
				continue
			}
			s.logger.Error("auto-reassign failed", "job_id", t.Job.ID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
