package grpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"arb-market/internal/collectors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakeStates struct {
	mu     sync.Mutex
	states []collectors.State
}

func (f *fakeStates) States() []collectors.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collectors.State, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeStates) set(states ...collectors.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func newHealthClient(t *testing.T, states StateSource) (*Server, healthpb.HealthClient) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := NewServer(0, states, logger)
	s.interval = 20 * time.Millisecond

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return s, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthFollowsCollectors(t *testing.T) {
	states := &fakeStates{}
	states.set(
		collectors.State{Exchange: "binance", Connected: true},
		collectors.State{Exchange: "okx", Connected: false},
	)
	_, client := newHealthClient(t, states)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName("binance")))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName("okx")))

	states.set(
		collectors.State{Exchange: "binance", Connected: false},
		collectors.State{Exchange: "okx", Connected: false},
	)
	assert.Eventually(t, func() bool {
		return check(t, client, "") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthNoCollectors(t *testing.T) {
	s := NewServer(0, &fakeStates{}, logrus.New())
	s.Refresh()

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
