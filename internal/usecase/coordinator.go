package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/geo"
	"contractor-dispatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RoundLockPrefix namespaces the per-job lock held while a round is opened.
const RoundLockPrefix = "dispatch-round/"

// RoundParams are the tunables of one round.
type RoundParams struct {
	TTL              time.Duration `json:"ttl"`
	BatchSize        int           `json:"batch_size"`
	MaxDistanceMiles float64       `json:"max_distance_miles"`
}

// RoundRequest asks for the next round of offers for a job.
type RoundRequest struct {
	Job  domain.Job
	Pool []*domain.Contractor
	RoundParams
}

// RoundResult is the persisted round and the offers it created. Assignments is
// empty, never nil, when the pool was exhausted.
type RoundResult struct {
	Round       *domain.DispatchRound
	Assignments []*domain.JobAssignment
}

type coordinatorStore interface {
	domain.AssignmentStore
	domain.RoundStore
	domain.PushTokenStore
}

// DispatchRoundCoordinator opens dispatch rounds. It owns the exclusion set: a
// contractor notified in any earlier round of a job is never offered it again.
type DispatchRoundCoordinator struct {
	store   coordinatorStore
	matcher *geo.Matcher
	locker  domain.Locker
	pusher  *PushFanout
	events  domain.EventPublisher
	now     Clock
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewDispatchRoundCoordinator(
	store coordinatorStore,
	matcher *geo.Matcher,
	locker domain.Locker,
	pusher *PushFanout,
	events domain.EventPublisher,
	now Clock,
	logger *slog.Logger,
) *DispatchRoundCoordinator {
	if now == nil {
		now = SystemClock
	}
	return &DispatchRoundCoordinator{
		store:   store,
		matcher: matcher,
		locker:  locker,
		pusher:  pusher,
		events:  events,
		now:     now,
		logger:  logger.With("component", "round-coordinator"),
		tracer:  otel.Tracer("contractor-dispatch-usecase"),
	}
}

func (req *RoundRequest) validate() error {
	if req.Job.ID == "" {
		return fmt.Errorf("job id is required: %w", domain.ErrValidation)
	}
	if err := req.Job.Location.Validate(); err != nil {
		return fmt.Errorf("job %s location: %w", req.Job.ID, err)
	}
	if req.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s: %w", req.TTL, domain.ErrValidation)
	}
	if req.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d: %w", req.BatchSize, domain.ErrValidation)
	}
	if req.MaxDistanceMiles <= 0 || math.IsNaN(req.MaxDistanceMiles) || math.IsInf(req.MaxDistanceMiles, 0) {
		return fmt.Errorf("max distance must be a positive number, got %v: %w", req.MaxDistanceMiles, domain.ErrValidation)
	}
	return nil
}

// RunRound opens round latest+1 for the job: it ranks the pool without anyone
// already notified for this job, creates one pending offer per candidate, records
// the round and hands the offers to the push fan-out without waiting on it.
func (c *DispatchRoundCoordinator) RunRound(ctx context.Context, req RoundRequest) (*RoundResult, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.RunRound")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.Job.ID),
		attribute.Int("pool.size", len(req.Pool)),
		attribute.Int("batch_size", req.BatchSize),
	)
	started := time.Now()
	defer func() { metrics.RoundDuration.Observe(time.Since(started).Seconds()) }()

	result, err := c.runRound(ctx, req)
	if err != nil {
		metrics.DispatchRoundsTotal.WithLabelValues("rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch round failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("round", result.Round.Round),
		attribute.Int("assignment.count", len(result.Assignments)),
	)
	return result, nil
}

func (c *DispatchRoundCoordinator) runRound(ctx context.Context, req RoundRequest) (*RoundResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	jobID := req.Job.ID

	lock, err := c.locker.Lock(ctx, RoundLockPrefix+jobID)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			return nil, fmt.Errorf("a round for job %s is already being opened: %w", jobID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to lock job %s: %w: %w", jobID, domain.ErrStorageUnavailable, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release round lock", "job_id", jobID, "error", err)
		}
	}()

	prior, err := c.store.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	exclude := make(map[string]struct{}, len(prior))
	for _, a := range prior {
		if a.Status == domain.AssignmentStatusAccepted {
			return nil, fmt.Errorf("job %s already accepted by contractor %s: %w", jobID, a.ContractorID, domain.ErrConflict)
		}
		exclude[a.ContractorID] = struct{}{}
	}

	latest, err := c.store.LatestRoundNumber(ctx, jobID)
	if err != nil {
		return nil, err
	}
	history, err := c.store.GetRoundsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, r := range history {
		for _, id := range r.ContractorsNotified {
			exclude[id] = struct{}{}
		}
	}

	candidates := c.matcher.Rank(req.Job.Location, req.Pool, exclude, req.MaxDistanceMiles, req.BatchSize)
	now := c.now()
	round := &domain.DispatchRound{
		ID:                  uuid.New().String(),
		JobID:               jobID,
		Round:               latest + 1,
		ContractorsNotified: []string{},
		CreatedAt:           now,
	}

	if len(candidates) == 0 {
		round.Status = domain.RoundStatusCompleted
		if err := c.store.SaveRound(ctx, round); err != nil {
			return nil, err
		}
		metrics.DispatchRoundsTotal.WithLabelValues("pool_exhausted").Inc()
		c.logger.Info("contractor pool exhausted", "job_id", jobID, "round", round.Round, "excluded", len(exclude))
		publish(ctx, c.events, c.logger, domain.DispatchEvent{
			Type:       domain.EventPoolExhausted,
			JobID:      jobID,
			Round:      round.Round,
			Status:     string(round.Status),
			OccurredAt: now,
		})
		return &RoundResult{Round: round, Assignments: []*domain.JobAssignment{}}, nil
	}

	offers := make([]Offer, 0, len(candidates))
	created := make([]*domain.JobAssignment, 0, len(candidates))
	for _, cand := range candidates {
		a := &domain.JobAssignment{
			ID:            uuid.New().String(),
			JobID:         jobID,
			ContractorID:  cand.ContractorID,
			Round:         round.Round,
			Status:        domain.AssignmentStatusPending,
			DistanceMiles: cand.Distance,
			OfferedAt:     now,
			ExpiresAt:     now.Add(req.TTL),
		}
		created = append(created, a)
		offers = append(offers, Offer{Assignment: a, Token: cand.PushToken})
		round.ContractorsNotified = append(round.ContractorsNotified, cand.ContractorID)
	}

	if err := c.store.CreateBulk(ctx, created); err != nil {
		return nil, err
	}
	round.Status = domain.RoundStatusActive
	if err := c.store.SaveRound(ctx, round); err != nil {
		return nil, err
	}

	metrics.DispatchRoundsTotal.WithLabelValues("started").Inc()
	metrics.AssignmentsOffered.Add(float64(len(created)))
	c.logger.Info("dispatch round started",
		"job_id", jobID,
		"round", round.Round,
		"notified", len(created),
		"expires_at", now.Add(req.TTL),
	)

	c.fillTokens(ctx, offers)
	c.pusher.Notify(ctx, req.Job, offers)

	publish(ctx, c.events, c.logger, domain.DispatchEvent{
		Type:       domain.EventRoundStarted,
		JobID:      jobID,
		Round:      round.Round,
		Status:     string(round.Status),
		OccurredAt: now,
	})
	return &RoundResult{Round: round, Assignments: created}, nil
}

// fillTokens looks up registered tokens for offers whose pool entry carried none.
func (c *DispatchRoundCoordinator) fillTokens(ctx context.Context, offers []Offer) {
	missing := false
	for _, o := range offers {
		if o.Token == "" {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	tokens, err := c.store.AllPushTokens(ctx)
	if err != nil {
		c.logger.Warn("failed to load push tokens, notifying with pool tokens only", "error", err)
		return
	}
	for i := range offers {
		if offers[i].Token == "" {
			offers[i].Token = tokens[offers[i].Assignment.ContractorID]
		}
	}
}
