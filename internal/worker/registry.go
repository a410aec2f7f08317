// internal/worker/registry.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// NotifierRegistryPrefix is the etcd prefix where notifier nodes register their relay address.
	NotifierRegistryPrefix = "/dispatch/notifiers/"
)

// Registry keeps a notifier node's address in etcd for as long as the process lives.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
	value   string
	stop    context.CancelFunc
}

func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "notifier-registry"),
	}
}

// Register puts nodeID -> addr under a lease of ttl seconds and keeps the lease alive.
func (r *Registry) Register(ctx context.Context, nodeID, addr string, ttl int64) error {
	r.key = NotifierRegistryPrefix + nodeID
	r.value = addr

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, r.value, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put notifier registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	r.stop = cancel

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		r.logger.Warn("keep-alive channel closed, notifier registration may have expired")
	}()

	r.logger.Info("notifier registered", "key", r.key, "addr", r.value)
	return nil
}

// Deregister stops the keep-alive and revokes the lease, deleting the key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering notifier", "key", r.key)
	if r.stop != nil {
		r.stop()
	}
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
