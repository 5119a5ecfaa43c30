package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeGateway struct {
	mu     sync.Mutex
	status entity.HealthStatus
}

func (f *fakeGateway) set(status entity.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeGateway) HealthCheck() entity.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entity.HealthReport{Status: f.status}
}

func TestServer_SyncFollowsGatewayHealth(t *testing.T) {
	gateway := &fakeGateway{status: entity.HealthStatusDegraded}
	s := NewOpsGRPCServer(gateway, time.Second)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Sync())
	status, err := s.Check(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	gateway.set(entity.HealthStatusUnhealthy)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Sync())
	status, err = s.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	_, err = s.Check(context.Background(), "unknown.Service")
	assert.Error(t, err)
}

func TestServer_RunAndShutdown(t *testing.T) {
	gateway := &fakeGateway{status: entity.HealthStatusUnhealthy}
	s := NewOpsGRPCServer(gateway, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	gateway.set(entity.HealthStatusHealthy)
	assert.Eventually(t, func() bool {
		status, err := s.Check(context.Background(), ServiceName)
		return err == nil && status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	s.Shutdown()
	s.Sync()
	status, err := s.Check(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}
