package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"contractor-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LeaderElectionKey = "/dispatch/leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager elects one dispatcher node to run the sweep and auto-reassign loops.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to create election session: %w", err)
	}
	election := concurrency.NewElection(session, LeaderElectionKey)

	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("campaign for %s failed: %w", LeaderElectionKey, err)
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()
	m.logger.Info("successfully campaigned and became the leader", "node_id", m.nodeID)

	lost := make(chan struct{})
	go func() {
		defer close(lost)
		<-session.Done()
		m.mutex.Lock()
		m.isLeader = false
		m.mutex.Unlock()
	}()
	return lost, nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	m.isLeader = false
	election, session := m.election, m.session
	m.election, m.session = nil, nil
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	_ = session.Close()
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}
