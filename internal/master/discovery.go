// internal/master/discovery.go
package master

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"contractor-dispatch/internal/metrics"
	"contractor-dispatch/internal/worker"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NotifierDiscovery tracks the relay addresses of live notifier nodes.
type NotifierDiscovery struct {
	client *clientv3.Client
	logger *slog.Logger
	nodes  map[string]string // registry key -> relay address
	mu     sync.RWMutex
}

func NewNotifierDiscovery(client *clientv3.Client, logger *slog.Logger) *NotifierDiscovery {
	return &NotifierDiscovery{
		client: client,
		logger: logger.With("component", "notifier-discovery"),
		nodes:  make(map[string]string),
	}
}

// WatchNotifiers loads the current registrations and then follows changes until ctx ends.
// It blocks; run it in a goroutine.
func (d *NotifierDiscovery) WatchNotifiers(ctx context.Context) {
	d.logger.Info("starting to watch for notifier nodes")

	rev, err := d.loadInitial(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial notifier load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.client.Watch(ctx, worker.NotifierRegistryPrefix, opts...) {
		for _, event := range watchResp.Events {
			d.apply(event.Type, string(event.Kv.Key), string(event.Kv.Value))
		}
	}
	d.logger.Info("stopped watching for notifier nodes")
}

func (d *NotifierDiscovery) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, worker.NotifierRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		d.apply(clientv3.EventTypePut, string(kv.Key), string(kv.Value))
	}
	return resp.Header.Revision, nil
}

func (d *NotifierDiscovery) apply(typ mvccpb.Event_EventType, key, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch typ {
	case clientv3.EventTypePut:
		if _, ok := d.nodes[key]; !ok {
			d.logger.Info("notifier node discovered", "key", key, "addr", addr)
		}
		d.nodes[key] = addr
	case clientv3.EventTypeDelete:
		d.logger.Info("notifier node gone", "key", key, "addr", d.nodes[key])
		delete(d.nodes, key)
	}
	metrics.NotifierNodes.Set(float64(len(d.nodes)))
}

// Nodes returns the current relay addresses, sorted.
func (d *NotifierDiscovery) Nodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addrs := make([]string, 0, len(d.nodes))
	for _, addr := range d.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
