package grpc

import (
	"context"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the stream gateway.
const ServiceName = "stream_gateway.StreamGateway"

type GatewayStatus interface {
	HealthCheck() entity.HealthReport
}

// Server mirrors the active stream server health onto the standard gRPC
// health service.
type Server struct {
	gateway  GatewayStatus
	health   *health.Server
	interval time.Duration
}

func NewOpsGRPCServer(gateway GatewayStatus, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Server{
		gateway:  gateway,
		health:   health.NewServer(),
		interval: interval,
	}
}

func (s *Server) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.Sync()
}

// Sync publishes the current gateway health. Degraded still counts as
// serving.
func (s *Server) Sync() healthpb.HealthCheckResponse_ServingStatus {
	report := s.gateway.HealthCheck()

	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == entity.HealthStatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.Sync()
			if current != last {
				logrus.WithFields(logrus.Fields{
					"from": last.String(),
					"to":   current.String(),
				}).Info("grpc health status changed")
				last = current
			}
		}
	}
}

// Shutdown marks every service as not serving and ignores later updates.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
