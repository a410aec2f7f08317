package ledger

import (
	"context"
	"fmt"
	"sort"

	"contractor-dispatch/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

type rounds = []*domain.DispatchRound

// SaveRound appends a round record. A second record for the same (job, round) is a conflict.
func (l *Ledger) SaveRound(ctx context.Context, r *domain.DispatchRound) error {
	ctx, span := l.tracer.Start(ctx, "ledger.SaveRound")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", r.JobID),
		attribute.Int("round", r.Round),
		attribute.Int("round.notified", len(r.ContractorsNotified)),
	)

	if r.JobID == "" || r.ID == "" {
		return fail(span, fmt.Errorf("round id and job id are required: %w", domain.ErrValidation), "invalid round")
	}
	if r.Round < 1 {
		return fail(span, fmt.Errorf("round number must be >= 1, got %d: %w", r.Round, domain.ErrValidation), "invalid round")
	}
	if r.ContractorsNotified == nil {
		r.ContractorsNotified = []string{}
	}

	err := mutate(ctx, l, RoundsKey, func(all *rounds) (bool, error) {
		for _, existing := range *all {
			if existing.JobID == r.JobID && existing.Round == r.Round {
				return false, fmt.Errorf("round %d of job %s already recorded: %w", r.Round, r.JobID, domain.ErrConflict)
			}
		}
		*all = append(*all, r)
		return true, nil
	})
	if err != nil {
		return fail(span, err, "failed to save round")
	}
	return nil
}

// GetRoundsForJob returns the job's rounds ordered by round number.
func (l *Ledger) GetRoundsForJob(ctx context.Context, jobID string) ([]*domain.DispatchRound, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetRoundsForJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	all, _, err := load[rounds](ctx, l.store, RoundsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load rounds")
	}

	out := make([]*domain.DispatchRound, 0)
	for _, r := range all {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

// LatestRoundNumber returns the highest round recorded for the job, or 0.
func (l *Ledger) LatestRoundNumber(ctx context.Context, jobID string) (int, error) {
	history, err := l.GetRoundsForJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return 0, nil
	}
	return history[len(history)-1].Round, nil
}

// ConcludeRounds moves every active round of the job whose assignments are all
// terminal to completed or expired, and returns the rounds it changed.
func (l *Ledger) ConcludeRounds(ctx context.Context, jobID string) ([]*domain.DispatchRound, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ConcludeRounds")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	jobAssignments, _, err := load[assignments](ctx, l.store, AssignmentsKey)
	if err != nil {
		return nil, fail(span, err, "failed to load assignments")
	}
	byRound := make(map[int][]*domain.JobAssignment)
	for _, a := range jobAssignments {
		if a.JobID == jobID {
			byRound[a.Round] = append(byRound[a.Round], a)
		}
	}

	var concluded []*domain.DispatchRound
	err = mutate(ctx, l, RoundsKey, func(all *rounds) (bool, error) {
		concluded = nil
		for _, r := range *all {
			if r.JobID != jobID || r.Status != domain.RoundStatusActive {
				continue
			}
			members := byRound[r.Round]
			if len(members) == 0 {
				continue
			}
			if status, done := domain.ConcludedStatus(members); done {
				r.Status = status
				concluded = append(concluded, r)
			}
		}
		return len(concluded) > 0, nil
	})
	if err != nil {
		return nil, fail(span, err, "failed to conclude rounds")
	}
	span.SetAttributes(attribute.Int("rounds.concluded", len(concluded)))
	return concluded, nil
}
