package domain

import "context"

// LeaderElectionManager elects the single dispatcher node that runs periodic work.
type LeaderElectionManager interface {
	// Campaign blocks until leadership is won and returns a channel closed on loss.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
