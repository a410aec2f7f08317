package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"contractor-dispatch/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// SavePushToken records the device token used to reach a contractor.
func (l *Ledger) SavePushToken(ctx context.Context, contractorID, token string) error {
	ctx, span := l.tracer.Start(ctx, "ledger.SavePushToken")
	defer span.End()
	span.SetAttributes(attribute.String("contractor.id", contractorID))

	if strings.TrimSpace(contractorID) == "" || strings.TrimSpace(token) == "" {
		return fail(span, fmt.Errorf("contractor id and token are required: %w", domain.ErrValidation), "invalid push token")
	}

	err := mutate(ctx, l, PushTokensKey, func(tokens *map[string]string) (bool, error) {
		if *tokens == nil {
			*tokens = make(map[string]string)
		}
		if (*tokens)[contractorID] == token {
			return false, nil
		}
		(*tokens)[contractorID] = token
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to save push token")
	}
	return nil
}

func (l *Ledger) GetPushToken(ctx context.Context, contractorID string) (string, error) {
	tokens, err := l.AllPushTokens(ctx)
	if err != nil {
		return "", err
	}
	token, ok := tokens[contractorID]
	if !ok {
		return "", fmt.Errorf("push token for contractor %s: %w", contractorID, domain.ErrNotFound)
	}
	return token, nil
}

func (l *Ledger) AllPushTokens(ctx context.Context) (map[string]string, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.AllPushTokens")
	defer span.End()

	tokens, _, err := load[map[string]string](ctx, l.store, PushTokensKey)
	if err != nil {
		return nil, fail(span, err, "failed to load push tokens")
	}
	if tokens == nil {
		tokens = make(map[string]string)
	}
	return tokens, nil
}

// TrackJob puts a job under auto-reassign, replacing any previous parameters.
func (l *Ledger) TrackJob(ctx context.Context, t *domain.TrackedJob) error {
	ctx, span := l.tracer.Start(ctx, "ledger.TrackJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", t.Job.ID))

	if t.Job.ID == "" {
		return fail(span, fmt.Errorf("tracked job needs an id: %w", domain.ErrValidation), "invalid tracked job")
	}

	err := mutate(ctx, l, TrackedJobsKey, func(tracked *map[string]*domain.TrackedJob) (bool, error) {
		if *tracked == nil {
			*tracked = make(map[string]*domain.TrackedJob)
		}
		(*tracked)[t.Job.ID] = t
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to track job")
	}
	return nil
}

// UntrackJob removes the job from auto-reassign. Untracking an unknown job is a no-op.
func (l *Ledger) UntrackJob(ctx context.Context, jobID string) error {
	ctx, span := l.tracer.Start(ctx, "ledger.UntrackJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	err := mutate(ctx, l, TrackedJobsKey, func(tracked *map[string]*domain.TrackedJob) (bool, error) {
		if _, ok := (*tracked)[jobID]; !ok {
			return false, nil
		}
		delete(*tracked, jobID)
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to untrack job")
	}
	return nil
}

func (l *Ledger) GetTrackedJob(ctx context.Context, jobID string) (*domain.TrackedJob, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetTrackedJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	tracked, _, err := load[map[string]*domain.TrackedJob](ctx, l.store, TrackedJobsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load tracked jobs")
	}
	t, ok := tracked[jobID]
	if !ok {
		return nil, fmt.Errorf("tracked job %s: %w", jobID, domain.ErrNotFound)
	}
	return t, nil
}

// ListTrackedJobs returns tracked jobs, oldest first.
func (l *Ledger) ListTrackedJobs(ctx context.Context) ([]*domain.TrackedJob, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ListTrackedJobs")
	defer span.End()

	tracked, _, err := load[map[string]*domain.TrackedJob](ctx, l.store, TrackedJobsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load tracked jobs")
	}

	out := make([]*domain.TrackedJob, 0, len(tracked))
	for _, t := range tracked {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrackedAt.Equal(out[j].TrackedAt) {
			return out[i].TrackedAt.Before(out[j].TrackedAt)
		}
		return out[i].Job.ID < out[j].Job.ID
	})
	return out, nil
}

// SaveContractor upserts a contractor into the directory.
func (l *Ledger) SaveContractor(ctx context.Context, c *domain.Contractor) error {
	ctx, span := l.tracer.Start(ctx, "ledger.SaveContractor")
	defer span.End()
	span.SetAttributes(attribute.String("contractor.id", c.ID))

	if c.ID == "" {
		return fail(span, fmt.Errorf("contractor id is required: %w", domain.ErrValidation), "invalid contractor")
	}
	if err := c.Location.Validate(); err != nil {
		return fail(span, err, "invalid contractor location")
	}

	err := mutate(ctx, l, ContractorsKey, func(dir *map[string]*domain.Contractor) (bool, error) {
		if *dir == nil {
			*dir = make(map[string]*domain.Contractor)
		}
		(*dir)[c.ID] = c
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to save contractor")
	}
	return nil
}

// ListContractors returns the directory ordered by contractor id.
func (l *Ledger) ListContractors(ctx context.Context) ([]*domain.Contractor, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ListContractors")
	defer span.End()

	dir, _, err := load[map[string]*domain.Contractor](ctx, l.store, ContractorsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load contractors")
	}

	out := make([]*domain.Contractor, 0, len(dir))
	for _, c := range dir {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	span.SetAttributes(attribute.Int("contractor.count", len(out)))
	return out, nil
}
