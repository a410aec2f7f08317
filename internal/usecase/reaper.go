package usecase

import (
	"context"
	"log/slog"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type reaperStore interface {
	domain.AssignmentStore
	domain.RoundStore
}

// ExpiryReaper lapses pending offers whose expiry has passed. It never starts rounds.
type ExpiryReaper struct {
	store  reaperStore
	events domain.EventPublisher
	logger *slog.Logger
	tracer trace.Tracer
}

func NewExpiryReaper(store reaperStore, events domain.EventPublisher, logger *slog.Logger) *ExpiryReaper {
	return &ExpiryReaper{
		store:  store,
		events: events,
		logger: logger.With("component", "expiry-reaper"),
		tracer: otel.Tracer("contractor-dispatch-usecase"),
	}
}

// Sweep expires every pending assignment with expires_at <= now in one write and
// returns the newly expired ones. A second sweep at the same instant returns nothing.
func (r *ExpiryReaper) Sweep(ctx context.Context, now time.Time) ([]*domain.JobAssignment, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.Sweep")
	defer span.End()

	var expired []*domain.JobAssignment
	err := r.store.MutateAssignments(ctx, func(all []*domain.JobAssignment) (bool, error) {
		expired = nil
		for _, a := range all {
			if a.Status != domain.AssignmentStatusPending || now.Before(a.ExpiresAt) {
				continue
			}
			if err := a.Expire(now); err != nil {
				return false, err
			}
			expired = append(expired, a)
		}
		return len(expired) > 0, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to sweep expired assignments")
		return nil, err
	}
	span.SetAttributes(attribute.Int("assignment.expired", len(expired)))
	if len(expired) == 0 {
		return []*domain.JobAssignment{}, nil
	}

	jobs := make(map[string]struct{})
	for _, a := range expired {
		metrics.AssignmentTransitionsTotal.WithLabelValues(string(a.Status)).Inc()
		publish(ctx, r.events, r.logger, domain.AssignmentEvent(a, now))
		jobs[a.JobID] = struct{}{}
	}
	for jobID := range jobs {
		concludeRounds(ctx, r.store, r.events, r.logger, jobID, now)
	}

	r.logger.Info("expired stale assignments", "count", len(expired), "jobs", len(jobs))
	return expired, nil
}
