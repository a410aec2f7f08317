package usecase

import (
	"context"
	"log/slog"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"
)

const (
	SweepTaskName    = "sweep-expired"
	ReassignTaskName = "auto-reassign"
)

// SchedularService runs the periodic sweep and auto-reassign passes on whichever
// dispatcher node currently holds leadership.
type SchedularService struct {
	leaderManager domain.LeaderElectionManager
	schedular     domain.Schedular
	dispatch      *DispatchService
	sweepEvery    string
	reassignEvery string
	retryDelay    time.Duration
	nodeID        string
	logger        *slog.Logger
}

func NewSchedularService(
	leaderManager domain.LeaderElectionManager,
	schedular domain.Schedular,
	dispatch *DispatchService,
	sweepEvery, reassignEvery string,
	nodeID string,
	logger *slog.Logger,
) *SchedularService {
	return &SchedularService{
		leaderManager: leaderManager,
		schedular:     schedular,
		dispatch:      dispatch,
		sweepEvery:    sweepEvery,
		reassignEvery: reassignEvery,
		retryDelay:    5 * time.Second,
		nodeID:        nodeID,
		logger:        logger.With("component", "schedular-service", "node_id", nodeID),
	}
}

// Tasks returns the periodic tasks the leader runs.
func (s *SchedularService) Tasks() []domain.PeriodicTask {
	return []domain.PeriodicTask{
		{
			Name:     SweepTaskName,
			Schedule: s.sweepEvery,
			Run: func(ctx context.Context) error {
				_, err := s.dispatch.SweepExpired(ctx, s.dispatch.now())
				return err
			},
		},
		{
			Name:     ReassignTaskName,
			Schedule: s.reassignEvery,
			Run: func(ctx context.Context) error {
				_, err := s.dispatch.ReassignTracked(ctx)
				return err
			},
		},
	}
}

// Start campaigns for leadership until ctx is done, running the schedular while leader.
func (s *SchedularService) Start(ctx context.Context) error {
	s.logger.Info("schedular service starting")
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedular service shutting down")
			return ctx.Err()
		default:
		}

		s.logger.Info("campaigning for leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-time.After(s.retryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.logger.Info("became leader, starting periodic tasks")
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		err = s.lead(ctx, lost)
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
		if err != nil {
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rerr := s.leaderManager.Resign(resignCtx); rerr != nil {
				s.logger.Warn("failed to resign leadership", "error", rerr)
			}
			cancel()
			return err
		}
		s.logger.Warn("lost leadership")
	}
}

// lead runs the schedular until leadership is lost (nil) or ctx is done (ctx.Err()).
func (s *SchedularService) lead(ctx context.Context, lost <-chan struct{}) error {
	for _, task := range s.Tasks() {
		if err := s.schedular.AddTask(task); err != nil {
			s.logger.Error("failed to schedule task", "task", task.Name, "error", err)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.schedular.Start(runCtx)
	}()

	defer func() {
		cancel()
		<-done
		for _, task := range s.Tasks() {
			_ = s.schedular.RemoveTask(task.Name)
		}
	}()

	select {
	case <-lost:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
