package usecase

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/geo"
	"contractor-dispatch/internal/infra/memory"
	"contractor-dispatch/internal/ledger"
)

var (
	jobSite    = domain.Location{Lat: 40.00, Lng: -74.00}
	testStart  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type delivery struct {
	token string
	msg   domain.PushMessage
}

type recordingGateway struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (g *recordingGateway) Deliver(ctx context.Context, token string, msg domain.PushMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.deliveries = append(g.deliveries, delivery{token: token, msg: msg})
	return nil
}

func (g *recordingGateway) tokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.deliveries))
	for _, d := range g.deliveries {
		out = append(out, d.token)
	}
	return out
}

type harness struct {
	clock       *fakeClock
	ledger      *ledger.Ledger
	events      *memory.EventLog
	gateway     *recordingGateway
	pusher      *PushFanout
	locker      *memory.Locker
	coordinator *DispatchRoundCoordinator
	machine     *AssignmentStateMachine
	reaper      *ExpiryReaper
	service     *DispatchService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewKVStore())
}

func newHarnessWithStore(t *testing.T, store domain.KVStore) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{t: testStart},
		ledger:  ledger.New(store, testLogger, ledger.WithMaxAttempts(64)),
		events:  memory.NewEventLog(testLogger),
		gateway: &recordingGateway{},
		locker:  memory.NewLocker(),
	}
	h.pusher = NewPushFanout(h.gateway, time.Second, testLogger)
	h.coordinator = NewDispatchRoundCoordinator(h.ledger, geo.NewMatcher(geo.DefaultTieBandMiles), h.locker, h.pusher, h.events, h.clock.Now, testLogger)
	h.machine = NewAssignmentStateMachine(h.ledger, h.events, h.clock.Now, testLogger)
	h.reaper = NewExpiryReaper(h.ledger, h.events, testLogger)
	h.service = NewDispatchService(h.ledger, h.coordinator, h.machine, h.reaper, h.events, RoundParams{
		BatchSize:        3,
		MaxDistanceMiles: 50,
	}, h.clock.Now, testLogger)
	t.Cleanup(h.pusher.Drain)
	return h
}

func north(base domain.Location, miles float64) domain.Location {
	milesPerDegree := geo.EarthRadiusMiles * math.Pi / 180
	return domain.Location{Lat: base.Lat + miles/milesPerDegree, Lng: base.Lng}
}

func contractorAt(id string, miles, rating float64) *domain.Contractor {
	return &domain.Contractor{
		ID:           id,
		Name:         "Contractor " + id,
		Role:         domain.RoleContractor,
		Location:     north(jobSite, miles),
		Rating:       rating,
		Availability: domain.AvailabilityAvailable,
		Verified:     true,
		PushToken:    "ExponentPushToken[" + id + "]",
	}
}

func testJob(id string) domain.Job {
	return domain.Job{
		ID:             id,
		Location:       jobSite,
		Title:          "Plumbing",
		EstimatedValue: 250,
		Urgency:        domain.UrgencyNormal,
	}
}

func roundRequest(job domain.Job, pool []*domain.Contractor, batch int, maxDistance float64) RoundRequest {
	return RoundRequest{
		Job:  job,
		Pool: pool,
		RoundParams: RoundParams{
			TTL:              3 * time.Minute,
			BatchSize:        batch,
			MaxDistanceMiles: maxDistance,
		},
	}
}

func contractorIDs(as []*domain.JobAssignment) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ContractorID)
	}
	return out
}

func statusOf(t *testing.T, h *harness, id string) domain.AssignmentStatus {
	t.Helper()
	a, err := h.ledger.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load assignment %s: %v", id, err)
	}
	return a.Status
}
