package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes the standard gRPC health service. Overall status follows
// the collectors; each exchange is reported as collector.<exchange>.
type Server struct {
	port       int
	states     StateSource
	logger     *logrus.Logger
	health     *health.Server
	grpcServer *grpc.Server
	interval   time.Duration
	startTime  time.Time

	stop chan struct{}
}

func NewServer(port int, states StateSource, logger *logrus.Logger) *Server {
	s := &Server{
		port:      port,
		states:    states,
		logger:    logger,
		health:    health.NewServer(),
		interval:  DefaultRefreshInterval,
		startTime: time.Now(),
		stop:      make(chan struct{}),
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.Refresh()
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve runs the refresh loop and serves on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	go s.refreshLoop()

	s.logger.Infof("gRPC server listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}

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
