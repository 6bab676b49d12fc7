package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"tinvest-stream/internal/services/streaming"
)

type fakeSource struct {
	mu       sync.Mutex
	statuses map[string]streaming.ServiceStatus
}

func (f *fakeSource) set(name string, running, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = streaming.ServiceStatus{Name: name, Running: running, Connected: connected}
}

func (f *fakeSource) AllServiceStatuses() map[string]streaming.ServiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]streaming.ServiceStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeSource) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return false
	}
	for _, st := range f.statuses {
		if !st.Running || !st.Connected {
			return false
		}
	}
	return true
}

func startServer(t *testing.T, src StatusSource) (*Server, healthpb.HealthClient) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	srv := NewServer(0, src, time.Hour, logger)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_ReportsPerServiceStatus(t *testing.T) {
	src := &fakeSource{statuses: map[string]streaming.ServiceStatus{}}
	src.set("last_price", true, true)
	src.set("trades", true, false)

	srv, client := startServer(t, src)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "last_price"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "trades"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))

	src.set("trades", true, true)
	srv.Refresh()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "trades"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
}

func TestServer_RunStopsWithContext(t *testing.T) {
	src := &fakeSource{statuses: map[string]streaming.ServiceStatus{}}
	logger, _ := logtest.NewNullLogger()
	srv := NewServer(0, src, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	src.set("candles", true, true)
	assert.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.last["candles"] == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
