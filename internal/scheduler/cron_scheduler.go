// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"contractor-dispatch/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// cronScheduler triggers periodic dispatch tasks. Overlapping runs of the same
// task are skipped rather than queued.
type cronScheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCronScheduler creates a schedular that accepts both six-field cron
// expressions and descriptors such as "@every 30s".
func NewCronScheduler(logger *slog.Logger) domain.Schedular {
	l := logger.With("component", "cron-scheduler")
	return &cronScheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{l})),
		),
		tasks:  make(map[string]cron.EntryID),
		logger: l,
		tracer: otel.Tracer("contractor-dispatch-scheduler"),
	}
}

func (s *cronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

func (s *cronScheduler) Stop() {
	// Stop logic is handled by context cancellation in Start()
}

// AddTask schedules task, replacing any task with the same name.
func (s *cronScheduler) AddTask(task domain.PeriodicTask) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no run func", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[task.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{
		task:   task,
		logger: s.logger.With("task", task.Name),
		tracer: s.tracer,
	}

	entryID, err := s.cron.AddJob(task.Schedule, wrapper)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task", task.Name, "schedule", task.Schedule, "error", err)
		return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
	}

	s.tasks[task.Name] = entryID
	s.logger.Info("added task to scheduler", "task", task.Name, "schedule", task.Schedule)
	return nil
}

func (s *cronScheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
	return nil
}

type cronTaskWrapper struct {
	task   domain.PeriodicTask
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", w.task.Name)))
	defer span.End()

	w.logger.Debug("running periodic task")
	if err := w.task.Run(ctx); err != nil {
		w.logger.Error("periodic task failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "periodic task failed")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
