package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/geo"
	"contractor-dispatch/internal/infra/memory"
	"contractor-dispatch/internal/ledger"
	"contractor-dispatch/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type nopGateway struct{}

func (nopGateway) Deliver(context.Context, string, domain.PushMessage) error { return nil }

type api struct {
	mux   *http.ServeMux
	clock *clock
}

func newAPI(t *testing.T) *api {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(memory.NewKVStore(), testLogger)
	events := memory.NewEventLog(testLogger)
	pusher := usecase.NewPushFanout(nopGateway{}, time.Second, testLogger)
	t.Cleanup(pusher.Drain)

	coordinator := usecase.NewDispatchRoundCoordinator(l, geo.NewMatcher(geo.DefaultTieBandMiles), memory.NewLocker(), pusher, events, c.Now, testLogger)
	machine := usecase.NewAssignmentStateMachine(l, events, c.Now, testLogger)
	reaper := usecase.NewExpiryReaper(l, events, testLogger)
	service := usecase.NewDispatchService(l, coordinator, machine, reaper, events, usecase.RoundParams{
		BatchSize:        3,
		MaxDistanceMiles: 50,
	}, c.Now, testLogger)

	mux := http.NewServeMux()
	NewDispatchHandler(service, testLogger).RegisterRoutes(mux)
	return &api{mux: mux, clock: c}
}

func (a *api) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func poolEntry(id string, lat, rating float64) ContractorRequest {
	return ContractorRequest{
		ID:        id,
		Name:      "Contractor " + id,
		Location:  LocationRequest{Lat: lat, Lng: -74.0},
		Rating:    rating,
		Verified:  true,
		PushToken: "ExponentPushToken[" + id + "]",
	}
}

func runRoundBody(pool ...ContractorRequest) RunRoundRequest {
	return RunRoundRequest{
		Job: JobRequest{
			Title:          "Plumbing",
			EstimatedValue: 200,
			Urgency:        "urgent",
			Location:       LocationRequest{Lat: 40.0, Lng: -74.0},
		},
		Pool:      pool,
		BatchSize: 2,
	}
}

func TestRunRoundAndRespond(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPost, "/dispatch/jobs/job-1/rounds", runRoundBody(
		poolEntry("c1", 40.01, 4.5),
		poolEntry("c2", 40.02, 4.9),
		poolEntry("c3", 40.5, 5.0),
	))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	round := decodeBody[RoundResponse](t, rec)
	require.Len(t, round.Assignments, 2)
	assert.Equal(t, 1, round.Round.Round)
	assert.Equal(t, domain.RoundStatusActive, round.Round.Status)
	// c1 and c2 sit inside the tie band, so rating decides.
	assert.Equal(t, "c2", round.Assignments[0].ContractorID)
	assert.Equal(t, "c1", round.Assignments[1].ContractorID)
	assert.Equal(t, 2*time.Minute, round.Assignments[0].ExpiresAt.Sub(round.Assignments[0].OfferedAt))

	winner := round.Assignments[0]
	loser := round.Assignments[1]

	rec = a.do(t, http.MethodPost, "/dispatch/assignments/"+winner.ID+"/respond", RespondRequest{ContractorID: "c2", Decision: "accept"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeBody[TransitionResponse](t, rec)
	assert.Equal(t, domain.AssignmentStatusAccepted, tr.Assignment.Status)
	require.Len(t, tr.Withdrawn, 1)
	assert.Equal(t, loser.ID, tr.Withdrawn[0].ID)

	rec = a.do(t, http.MethodPost, "/dispatch/assignments/"+loser.ID+"/respond", RespondRequest{ContractorID: "c1", Decision: "accept"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/dispatch/jobs/job-1/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, winner.ID, decodeBody[domain.JobAssignment](t, rec).ID)

	rec = a.do(t, http.MethodGet, "/dispatch/jobs/job-1/rounds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rounds := decodeBody[[]domain.DispatchRound](t, rec)
	require.Len(t, rounds, 1)
	assert.Equal(t, domain.RoundStatusCompleted, rounds[0].Status)

	rec = a.do(t, http.MethodPost, "/dispatch/jobs/job-1/rounds", runRoundBody(poolEntry("c3", 40.5, 5.0)))
	assert.Equal(t, http.StatusConflict, rec.Code, "a taken job gets no new round")
}

func TestRespond_Errors(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodPost, "/dispatch/jobs/job-2/rounds", runRoundBody(poolEntry("c1", 40.01, 4.0)))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[RoundResponse](t, rec).Assignments[0].ID

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown assignment", "/dispatch/assignments/nope/respond", RespondRequest{ContractorID: "c1", Decision: "accept"}, http.StatusNotFound},
		{"someone else's offer", "/dispatch/assignments/" + id + "/respond", RespondRequest{ContractorID: "c9", Decision: "accept"}, http.StatusNotFound},
		{"bad decision", "/dispatch/assignments/" + id + "/respond", RespondRequest{ContractorID: "c1", Decision: "maybe"}, http.StatusBadRequest},
		{"missing contractor", "/dispatch/assignments/" + id + "/respond", RespondRequest{Decision: "accept"}, http.StatusBadRequest},
		{"malformed json", "/dispatch/assignments/" + id + "/respond", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRespond_LateAccept(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodPost, "/dispatch/jobs/job-3/rounds", runRoundBody(poolEntry("c1", 40.01, 4.0)))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[RoundResponse](t, rec).Assignments[0].ID

	a.clock.Advance(2 * time.Minute)

	rec = a.do(t, http.MethodPost, "/dispatch/assignments/"+id+"/respond", RespondRequest{ContractorID: "c1", Decision: "accept"})
	require.Equal(t, http.StatusConflict, rec.Code)
	tr := decodeBody[TransitionResponse](t, rec)
	assert.Equal(t, domain.AssignmentStatusExpired, tr.Assignment.Status)
	assert.NotEmpty(t, tr.Error)
}

func TestRunRound_Validation(t *testing.T) {
	a := newAPI(t)

	badLat := runRoundBody(poolEntry("c1", 40.01, 4.0))
	badLat.Job.Location.Lat = 95

	badTTL := runRoundBody(poolEntry("c1", 40.01, 4.0))
	badTTL.TTL = "soon"

	badRating := runRoundBody(poolEntry("c1", 40.01, -1))

	badUrgency := runRoundBody(poolEntry("c1", 40.01, 4.0))
	badUrgency.Job.Urgency = "whenever"

	for name, body := range map[string]RunRoundRequest{
		"latitude out of range": badLat,
		"unparseable ttl":       badTTL,
		"negative rating":       badRating,
		"unknown urgency":       badUrgency,
	} {
		t.Run(name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/dispatch/jobs/job-4/rounds", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Details)
		})
	}
}

func TestRunRound_RatingOutranksDistanceInsideTieBand(t *testing.T) {
	a := newAPI(t)
	// One mile rated 60 against four miles rated 95, on a percentage scale.
	rec := a.do(t, http.MethodPost, "/dispatch/jobs/job-s2/rounds", runRoundBody(
		poolEntry("near", 40.0+1/69.09, 60),
		poolEntry("better", 40.0+4/69.09, 95),
	))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	round := decodeBody[RoundResponse](t, rec)
	require.Len(t, round.Assignments, 2)
	assert.Equal(t, "better", round.Assignments[0].ContractorID)
	assert.Equal(t, "near", round.Assignments[1].ContractorID)
	assert.InDelta(t, 4.0, round.Assignments[0].DistanceMiles, 0.05)
}

func TestRunRound_DirectoryAndTracking(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPut, "/dispatch/contractors/c1", poolEntry("c2", 40.01, 4.0))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "body id must match path")

	for _, c := range []ContractorRequest{poolEntry("c1", 40.01, 4.0), poolEntry("c2", 40.03, 4.2)} {
		rec = a.do(t, http.MethodPut, "/dispatch/contractors/"+c.ID, c)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	body := runRoundBody()
	body.Pool = nil
	body.BatchSize = 1
	body.Track = true
	rec = a.do(t, http.MethodPost, "/dispatch/jobs/job-5/rounds", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[RoundResponse](t, rec)
	require.Len(t, first.Assignments, 1)
	assert.True(t, first.Tracked)

	rec = a.do(t, http.MethodPost, "/dispatch/jobs/job-5/reassign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(usecase.OutcomeWaiting), decodeBody[ReassignResponse](t, rec).Outcome)

	a.clock.Advance(3 * time.Minute)

	rec = a.do(t, http.MethodPost, "/dispatch/jobs/job-5/reassign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[ReassignResponse](t, rec)
	assert.Equal(t, string(usecase.OutcomeReassigned), res.Outcome)
	require.NotNil(t, res.Round)
	require.Len(t, res.Round.Assignments, 1)
	assert.NotEqual(t, first.Assignments[0].ContractorID, res.Round.Assignments[0].ContractorID)
	assert.Equal(t, 2, res.Round.Round.Round)
}

func TestSweepAndPending(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPut, "/dispatch/contractors/c1/push-token", PushTokenRequest{Token: "ExponentPushToken[new]"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodPost, "/dispatch/jobs/job-6/rounds", runRoundBody(poolEntry("c1", 40.01, 4.0)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/dispatch/contractors/c1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.JobAssignment](t, rec), 1)

	rec = a.do(t, http.MethodPost, "/dispatch/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[SweepResponse](t, rec).Count)

	a.clock.Advance(2 * time.Minute)

	rec = a.do(t, http.MethodPost, "/dispatch/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sweep := decodeBody[SweepResponse](t, rec)
	assert.Equal(t, 1, sweep.Count)
	assert.Equal(t, domain.AssignmentStatusExpired, sweep.Expired[0].Status)

	rec = a.do(t, http.MethodGet, "/dispatch/contractors/c1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]domain.JobAssignment](t, rec))

	rec = a.do(t, http.MethodGet, "/dispatch/jobs/job-6/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w: %w", domain.ErrStorageUnavailable, errors.New("etcd down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
