package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/geo"
	"contractor-dispatch/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRound_OffersNearestWithinDistance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := []*domain.Contractor{
		contractorAt("near", 2, 80),
		contractorAt("mid", 4, 70),
		contractorAt("far", 10, 99),
	}

	res, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 5))
	require.NoError(t, err)

	assert.Equal(t, []string{"near", "mid"}, contractorIDs(res.Assignments))
	assert.Equal(t, 1, res.Round.Round)
	assert.Equal(t, domain.RoundStatusActive, res.Round.Status)
	assert.Equal(t, []string{"near", "mid"}, res.Round.ContractorsNotified)
	for _, a := range res.Assignments {
		assert.Equal(t, domain.AssignmentStatusPending, a.Status)
		assert.Equal(t, 1, a.Round)
		assert.True(t, a.ExpiresAt.After(a.OfferedAt))
		assert.Equal(t, testStart.Add(3*time.Minute), a.ExpiresAt)
		assert.LessOrEqual(t, a.DistanceMiles, 5.0)
	}

	stored, err := h.ledger.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	h.pusher.Drain()
	assert.ElementsMatch(t, []string{"ExponentPushToken[near]", "ExponentPushToken[mid]"}, h.gateway.tokens())
	assert.Len(t, h.events.OfType(domain.EventRoundStarted), 1)
}

func TestRunRound_RatingWinsInsideTieBand(t *testing.T) {
	h := newHarness(t)
	pool := []*domain.Contractor{
		contractorAt("close-low", 1, 60),
		contractorAt("further-high", 4, 95),
	}

	res, err := h.coordinator.RunRound(context.Background(), roundRequest(testJob("job-1"), pool, 3, 50))
	require.NoError(t, err)
	assert.Equal(t, []string{"further-high", "close-low"}, contractorIDs(res.Assignments))
}

func TestRunRound_NeverReoffersNotifiedContractors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := []*domain.Contractor{
		contractorAt("A", 1, 90),
		contractorAt("B", 2, 90),
		contractorAt("C", 3, 90),
		contractorAt("D", 30, 50),
	}

	first, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 50))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, first.Round.ContractorsNotified)

	h.clock.Advance(4 * time.Minute)
	expired, err := h.reaper.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, expired, 3)

	second, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 50))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Round.Round)
	assert.Equal(t, []string{"D"}, contractorIDs(second.Assignments))

	third, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 50))
	require.NoError(t, err)
	assert.Equal(t, 3, third.Round.Round)
	assert.Empty(t, third.Assignments)

	history, err := h.ledger.GetRoundsForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.RoundStatusExpired, history[0].Status)
	assert.Equal(t, domain.RoundStatusActive, history[1].Status)
	assert.Equal(t, domain.RoundStatusCompleted, history[2].Status)

	seen := make(map[string]bool)
	all, err := h.ledger.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	for _, a := range all {
		assert.False(t, seen[a.ContractorID], "contractor %s offered twice", a.ContractorID)
		seen[a.ContractorID] = true
	}
}

func TestRunRound_EmptyPoolCompletesRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), nil, 3, 50))
	require.NoError(t, err)
	require.NotNil(t, res.Assignments)
	assert.Empty(t, res.Assignments)
	assert.Equal(t, domain.RoundStatusCompleted, res.Round.Status)
	assert.Empty(t, res.Round.ContractorsNotified)
	assert.Equal(t, 1, res.Round.Round)

	history, err := h.ledger.GetRoundsForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Len(t, h.events.OfType(domain.EventPoolExhausted), 1)
}

func TestRunRound_Validation(t *testing.T) {
	h := newHarness(t)
	pool := []*domain.Contractor{contractorAt("A", 1, 90)}

	tests := []struct {
		name   string
		mutate func(r *RoundRequest)
	}{
		{"empty job id", func(r *RoundRequest) { r.Job.ID = "" }},
		{"latitude out of range", func(r *RoundRequest) { r.Job.Location.Lat = 91 }},
		{"zero ttl", func(r *RoundRequest) { r.TTL = 0 }},
		{"negative batch", func(r *RoundRequest) { r.BatchSize = -1 }},
		{"zero max distance", func(r *RoundRequest) { r.MaxDistanceMiles = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := roundRequest(testJob("job-1"), pool, 3, 50)
			tt.mutate(&req)
			_, err := h.coordinator.RunRound(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	history, err := h.ledger.GetRoundsForJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunRound_RefusesAcceptedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := []*domain.Contractor{contractorAt("A", 1, 90), contractorAt("B", 2, 80)}

	first, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool[:1], 3, 50))
	require.NoError(t, err)
	_, err = h.machine.Accept(ctx, first.Assignments[0].ID)
	require.NoError(t, err)

	_, err = h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 50))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

// acceptMidRound runs accept once, after the coordinator has checked the job for
// an accepted assignment but before it writes the new offers.
type acceptMidRound struct {
	*ledger.Ledger
	once   sync.Once
	accept func()
}

func (s *acceptMidRound) LatestRoundNumber(ctx context.Context, jobID string) (int, error) {
	s.once.Do(s.accept)
	return s.Ledger.LatestRoundNumber(ctx, jobID)
}

func TestRunRound_AcceptDuringRoundBlocksNewOffers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := []*domain.Contractor{contractorAt("A", 1, 90), contractorAt("B", 2, 80), contractorAt("C", 3, 70)}

	first, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), pool, 1, 50))
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, contractorIDs(first.Assignments))

	store := &acceptMidRound{
		Ledger: h.ledger,
		accept: func() {
			_, err := h.machine.Accept(context.Background(), first.Assignments[0].ID)
			require.NoError(t, err)
		},
	}
	racing := NewDispatchRoundCoordinator(store, geo.NewMatcher(geo.DefaultTieBandMiles), h.locker, h.pusher, h.events, h.clock.Now, testLogger)

	_, err = racing.RunRound(ctx, roundRequest(testJob("job-1"), pool, 3, 50))
	assert.ErrorIs(t, err, domain.ErrConflict)

	all, err := h.ledger.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.AssignmentStatusAccepted, all[0].Status)

	history, err := h.ledger.GetRoundsForJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "no round is recorded for refused offers")

	h.pusher.Drain()
	assert.Equal(t, []string{"ExponentPushToken[A]"}, h.gateway.tokens())
}

func TestRunRound_ConcurrentRoundForSameJobConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	held, err := h.locker.Lock(ctx, RoundLockPrefix+"job-1")
	require.NoError(t, err)

	_, err = h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), []*domain.Contractor{contractorAt("A", 1, 90)}, 3, 50))
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, held.Unlock(ctx))
	_, err = h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), []*domain.Contractor{contractorAt("A", 1, 90)}, 3, 50))
	assert.NoError(t, err)
}

func TestRunRound_FillsTokensFromRegistry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	registered := contractorAt("registered", 1, 90)
	registered.PushToken = ""
	silent := contractorAt("silent", 2, 80)
	silent.PushToken = ""
	require.NoError(t, h.ledger.SavePushToken(ctx, "registered", "ExponentPushToken[from-registry]"))

	res, err := h.coordinator.RunRound(ctx, roundRequest(testJob("job-1"), []*domain.Contractor{registered, silent}, 3, 50))
	require.NoError(t, err)
	assert.Len(t, res.Assignments, 2)

	h.pusher.Drain()
	assert.Equal(t, []string{"ExponentPushToken[from-registry]"}, h.gateway.tokens())
}

func TestRunRound_PushFailureDoesNotFailRound(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("expo down")

	res, err := h.coordinator.RunRound(context.Background(), roundRequest(testJob("job-1"), []*domain.Contractor{contractorAt("A", 1, 90)}, 3, 50))
	require.NoError(t, err)
	assert.Len(t, res.Assignments, 1)
	h.pusher.Drain()
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, int64, error) {
	return nil, 0, errors.New("etcdserver: request timed out")
}
func (brokenStore) Set(context.Context, string, []byte) error { return errors.New("down") }
func (brokenStore) CompareAndSet(context.Context, string, int64, []byte) (bool, error) {
	return false, errors.New("down")
}

func TestRunRound_StorageUnavailable(t *testing.T) {
	h := newHarnessWithStore(t, brokenStore{})

	_, err := h.coordinator.RunRound(context.Background(), roundRequest(testJob("job-1"), []*domain.Contractor{contractorAt("A", 1, 90)}, 3, 50))
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}
