package domain

import "context"

// PeriodicTask is a unit of background work driven by a schedule expression.
type PeriodicTask struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Schedular interface {
	Start(ctx context.Context) error
	Stop()

	AddTask(task PeriodicTask) error
	RemoveTask(name string) error
}
