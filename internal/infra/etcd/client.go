package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClient dials etcd and checks that at least one endpoint answers within timeout.
func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var lastErr error
	for _, ep := range endpoints {
		if _, lastErr = cli.Status(ctx, ep); lastErr == nil {
			return cli, nil
		}
	}
	_ = cli.Close()
	return nil, fmt.Errorf("no etcd endpoint reachable in %v: %w", endpoints, lastErr)
}
