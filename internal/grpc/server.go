package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tinvest-stream/internal/services/streaming"
)

const DefaultRefreshInterval = 5 * time.Second

// StatusSource reports the state of every streaming service
type StatusSource interface {
	AllServiceStatuses() map[string]streaming.ServiceStatus
	Healthy() bool
}

// Server exposes the standard gRPC health service with one entry per
// streaming service plus the overall "" entry
type Server struct {
	port     int
	source   StatusSource
	interval time.Duration
	logger   *logrus.Logger

	health     *health.Server
	grpcServer *grpc.Server

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewServer(port int, source StatusSource, interval time.Duration, logger *logrus.Logger) *Server {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	s := &Server{
		port:     port,
		source:   source,
		interval: interval,
		logger:   logger,
		health:   health.NewServer(),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.Refresh()
	return s
}

// Start listens on the configured port and serves until Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("gRPC server listening on %s", lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Run refreshes serving statuses every interval until ctx is done
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh publishes the current service states. A service serves when it is
// running with every stream open.
func (s *Server) Refresh() {
	statuses := s.source.AllServiceStatuses()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range statuses {
		s.set(name, servingStatus(st.Running && st.Connected))
	}
	s.set("", servingStatus(s.source.Healthy()))
}

func (s *Server) set(name string, status healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.last[name]; ok && prev == status {
		return
	}
	s.last[name] = status
	s.health.SetServingStatus(name, status)
	if name != "" {
		s.logger.WithFields(logrus.Fields{
			"service": name,
			"status":  status.String(),
		}).Info("Service health changed")
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) Stop() {
	s.logger.Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
