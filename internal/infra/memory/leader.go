package memory

import (
	"context"
	"sync"

	"contractor-dispatch/internal/domain"
)

// Leader is a single-node domain.LeaderElectionManager: a campaign wins as soon as
// no one else in the process holds leadership.
type Leader struct {
	mu   sync.Mutex
	lost chan struct{}
	wake chan struct{}
}

func NewLeader() *Leader {
	return &Leader{wake: make(chan struct{})}
}

var _ domain.LeaderElectionManager = (*Leader)(nil)

func (l *Leader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	for {
		l.mu.Lock()
		if l.lost == nil {
			l.lost = make(chan struct{})
			lost := l.lost
			l.mu.Unlock()
			return lost, nil
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Leader) Resign(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost == nil {
		return nil
	}
	close(l.lost)
	l.lost = nil
	close(l.wake)
	l.wake = make(chan struct{})
	return nil
}

func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost != nil
}
