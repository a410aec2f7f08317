// internal/master/relay_gateway.go
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/pushrpc"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrNoNotifiers is returned when no notifier node is registered and no fallback is set.
var ErrNoNotifiers = errors.New("no notifier nodes available")

// NodeSource lists relay addresses. *NotifierDiscovery implements it.
type NodeSource interface {
	Nodes() []string
}

// RelayGateway is a domain.NotificationGateway that forwards each delivery to a
// randomly chosen notifier node over gRPC.
type RelayGateway struct {
	nodes    NodeSource
	fallback domain.NotificationGateway
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	clients map[string]pushrpc.RelayClient
	logger  *slog.Logger
}

type RelayOption func(*RelayGateway)

// WithFallback delivers through gw when no notifier node is registered.
func WithFallback(gw domain.NotificationGateway) RelayOption {
	return func(g *RelayGateway) { g.fallback = gw }
}

// WithDialOptions replaces the default insecure, otel-instrumented dial options.
func WithDialOptions(opts ...grpc.DialOption) RelayOption {
	return func(g *RelayGateway) { g.dialOpts = opts }
}

func NewRelayGateway(nodes NodeSource, logger *slog.Logger, opts ...RelayOption) *RelayGateway {
	g := &RelayGateway{
		nodes: nodes,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]pushrpc.RelayClient),
		logger:  logger.With("component", "relay-gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RelayGateway) Deliver(ctx context.Context, token string, msg domain.PushMessage) error {
	nodes := g.nodes.Nodes()
	if len(nodes) == 0 {
		if g.fallback != nil {
			g.logger.Debug("no notifier nodes, delivering directly")
			return g.fallback.Deliver(ctx, token, msg)
		}
		return ErrNoNotifiers
	}

	addr := nodes[rand.Intn(len(nodes))]
	client, err := g.getOrCreateClient(addr)
	if err != nil {
		return err
	}

	req, err := pushrpc.EncodeDelivery(token, msg)
	if err != nil {
		return err
	}
	if _, err := client.Deliver(ctx, req); err != nil {
		return fmt.Errorf("relay to notifier %s failed: %w", addr, err)
	}
	return nil
}

func (g *RelayGateway) getOrCreateClient(addr string) (pushrpc.RelayClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[addr]; ok {
		return client, nil
	}

	conn, err := grpc.NewClient(addr, g.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notifier at %s: %w", addr, err)
	}
	client := pushrpc.NewRelayClient(conn)
	g.conns[addr] = conn
	g.clients[addr] = client
	g.logger.Info("created new gRPC client for notifier", "addr", addr)
	return client, nil
}

// Close tears down every cached connection.
func (g *RelayGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	g.conns = make(map[string]*grpc.ClientConn)
	g.clients = make(map[string]pushrpc.RelayClient)
	return errors.Join(errs...)
}
