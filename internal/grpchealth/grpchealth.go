// Package grpchealth exposes the standard gRPC health service for
// orchestrator liveness probes.
package grpchealth

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is a minimal gRPC listener serving only health checks.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	log        *slog.Logger
}

// New binds the listener and registers the health service as SERVING.
func New(addr string, log *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		log:        log.With("component", "grpchealth"),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Run serves until Stop is called.
func (s *Server) Run() error {
	s.log.Info("grpc health listening", "addr", s.Addr())
	return s.grpcServer.Serve(s.listener)
}

// SetNotServing flips the health status during shutdown so probes fail
// before the HTTP listener closes.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop closes the server gracefully.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
