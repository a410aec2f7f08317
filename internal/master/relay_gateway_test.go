package master

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/infra/expo"
	"contractor-dispatch/internal/pushrpc"
	"contractor-dispatch/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticNodes []string

func (s staticNodes) Nodes() []string { return s }

type delivery struct {
	token string
	msg   domain.PushMessage
}

type recordingGateway struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (g *recordingGateway) Deliver(_ context.Context, token string, msg domain.PushMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, delivery{token: token, msg: msg})
	return nil
}

// startNotifier serves a relay backed by gw on an in-memory listener.
func startNotifier(t *testing.T, gw domain.NotificationGateway) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pushrpc.RegisterRelayServer(srv, worker.NewServer(gw, "node-1", testLogger()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestRelayGateway_Deliver(t *testing.T) {
	backend := &recordingGateway{}
	dialer := startNotifier(t, backend)

	gw := NewRelayGateway(staticNodes{"passthrough:///bufnet"}, testLogger(),
		WithDialOptions(dialer, grpc.WithTransportCredentials(insecure.NewCredentials())))
	defer gw.Close()

	msg := domain.PushMessage{
		Title: "New Job Alert!",
		Body:  "Electrical job 3.0 miles away - $90. Accept in 2:00!",
		Data:  map[string]any{"assignmentId": "a-7", "countdownSeconds": 120},
	}
	require.NoError(t, gw.Deliver(context.Background(), "tok-7", msg))
	require.NoError(t, gw.Deliver(context.Background(), "tok-8", msg))

	require.Len(t, backend.sent, 2)
	assert.Equal(t, "tok-7", backend.sent[0].token)
	assert.Equal(t, msg.Body, backend.sent[0].msg.Body)
	assert.Equal(t, "a-7", backend.sent[0].msg.Data["assignmentId"])
	assert.Len(t, gw.clients, 1, "connection is cached per node")
}

func TestRelayGateway_RemoteFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code grpccodes.Code
	}{
		{"dead token", expo.ErrDeviceNotRegistered, grpccodes.NotFound},
		{"upstream down", errors.New("expo unreachable"), grpccodes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := startNotifier(t, &recordingGateway{err: tt.err})
			gw := NewRelayGateway(staticNodes{"passthrough:///bufnet"}, testLogger(),
				WithDialOptions(dialer, grpc.WithTransportCredentials(insecure.NewCredentials())))
			defer gw.Close()

			err := gw.Deliver(context.Background(), "tok", domain.PushMessage{Title: "t"})
			require.Error(t, err)
			st, ok := status.FromError(errors.Unwrap(err))
			require.True(t, ok)
			assert.Equal(t, tt.code, st.Code())
		})
	}
}

func TestRelayGateway_NoNodes(t *testing.T) {
	gw := NewRelayGateway(staticNodes{}, testLogger())
	err := gw.Deliver(context.Background(), "tok", domain.PushMessage{})
	assert.ErrorIs(t, err, ErrNoNotifiers)

	direct := &recordingGateway{}
	gw = NewRelayGateway(staticNodes{}, testLogger(), WithFallback(direct))
	require.NoError(t, gw.Deliver(context.Background(), "tok", domain.PushMessage{Title: "t"}))
	require.Len(t, direct.sent, 1)
	assert.Equal(t, "tok", direct.sent[0].token)
}

func TestNotifierDiscovery_Apply(t *testing.T) {
	d := NewNotifierDiscovery(nil, testLogger())

	d.apply(clientv3.EventTypePut, worker.NotifierRegistryPrefix+"b", "10.0.0.2:50052")
	d.apply(clientv3.EventTypePut, worker.NotifierRegistryPrefix+"a", "10.0.0.1:50052")
	assert.Equal(t, []string{"10.0.0.1:50052", "10.0.0.2:50052"}, d.Nodes())

	d.apply(clientv3.EventTypeDelete, worker.NotifierRegistryPrefix+"b", "")
	assert.Equal(t, []string{"10.0.0.1:50052"}, d.Nodes())
}
