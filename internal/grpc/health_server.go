package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/soltixdb/pgbalancer/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported by the health server
const (
	ServiceBalancer = "pgbalancer.Balancer"
	ServiceWatcher  = "pgbalancer.Watcher"
)

// HealthServer exposes the standard gRPC health protocol for the
// balancer daemon
type HealthServer struct {
	address    string
	grpcServer *grpc.Server
	health     *health.Server
	logger     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a health server. Nothing listens until Listen or
// Start is called.
func NewHealthServer(address string, logger *logging.Logger) *HealthServer {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024), // 1MB
	}
	s := &HealthServer{
		address:    address,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		logger:     logger,
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the status of one service. The empty name is the
// overall server status.
func (s *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
	s.logger.Debug("Health status changed", "service", service, "status", status.String())
}

// Listen binds the configured address
func (s *HealthServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Start serves until ctx is cancelled
func (s *HealthServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()

	s.logger.Info("gRPC health server starting", "address", lis.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()

	<-ctx.Done()
	s.logger.Info("Shutting down gRPC health server")
	s.Stop()
	return nil
}

// Stop marks every service as not serving and stops gracefully
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
