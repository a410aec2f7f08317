package usecase

import (
	"context"
	"testing"
	"time"

	"contractor-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_ExpiresOnlyDueOffers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	late := pendingOffer("late", "J", "D", 1)
	late.ExpiresAt = testStart.Add(10 * time.Minute)
	accepted := pendingOffer("done", "K", "E", 1)
	seed(t, h, pendingOffer("due", "J", "F", 1), late, accepted)
	_, err := h.machine.Accept(ctx, "done")
	require.NoError(t, err)

	expired, err := h.reaper.Sweep(ctx, testStart.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "due", expired[0].ID)
	assert.Equal(t, domain.AssignmentStatusExpired, statusOf(t, h, "due"))
	assert.Equal(t, domain.AssignmentStatusPending, statusOf(t, h, "late"))
	assert.Equal(t, domain.AssignmentStatusAccepted, statusOf(t, h, "done"))

	again, err := h.reaper.Sweep(ctx, testStart.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSweep_ConcludesRoundsAndStartsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), []*domain.Contractor{
		contractorAt("A", 1, 90),
		contractorAt("B", 2, 80),
	}, 3, 50))
	require.NoError(t, err)
	_, err = h.machine.Reject(ctx, res.Assignments[0].ID)
	require.NoError(t, err)

	expired, err := h.reaper.Sweep(ctx, testStart.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	history, err := h.ledger.GetRoundsForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoundStatusExpired, history[0].Status)
	assert.Len(t, h.events.OfType(domain.EventRoundConcluded), 1)
	assert.Len(t, h.events.OfType(domain.EventRoundStarted), 1)
}
