package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"
)

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// jobMutex hands out one in-process mutex per job id and forgets it once unused.
type jobMutex struct {
	mu    sync.Mutex
	locks map[string]*jobMutexEntry
}

type jobMutexEntry struct {
	sync.Mutex
	refs int
}

func newJobMutex() *jobMutex {
	return &jobMutex{locks: make(map[string]*jobMutexEntry)}
}

// Lock blocks until the job's mutex is held and returns its release func.
func (m *jobMutex) Lock(jobID string) func() {
	m.mu.Lock()
	e, ok := m.locks[jobID]
	if !ok {
		e = &jobMutexEntry{}
		m.locks[jobID] = e
	}
	e.refs++
	m.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, jobID)
		}
		m.mu.Unlock()
	}
}

// publish ships evt and only logs failures; events never fail a dispatch operation.
func publish(ctx context.Context, publisher domain.EventPublisher, logger *slog.Logger, evt domain.DispatchEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, evt); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(evt.Type), "failed").Inc()
		logger.Warn("failed to publish dispatch event", "type", evt.Type, "job_id", evt.JobID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(evt.Type), "published").Inc()
}

// concludeRounds settles finished rounds of a job and announces them. A failure
// here is logged only: the transition that triggered it has already been committed.
func concludeRounds(ctx context.Context, rounds domain.RoundStore, publisher domain.EventPublisher, logger *slog.Logger, jobID string, now time.Time) {
	concluded, err := rounds.ConcludeRounds(ctx, jobID)
	if err != nil {
		logger.Warn("failed to conclude rounds", "job_id", jobID, "error", err)
		return
	}
	for _, r := range concluded {
		logger.Info("dispatch round concluded", "job_id", jobID, "round", r.Round, "status", r.Status)
		publish(ctx, publisher, logger, domain.DispatchEvent{
			Type:       domain.EventRoundConcluded,
			JobID:      jobID,
			Round:      r.Round,
			Status:     string(r.Status),
			OccurredAt: now,
		})
	}
}
