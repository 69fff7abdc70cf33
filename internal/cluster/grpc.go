// gRPC health/admin surface, grounded on internal/grpc/server.go's
// keepalive + interceptor-chain + health.Server wiring. There is no
// custom admin proto in the retrieved pack to generate a typed admin
// service from, so this registers only the standard
// grpc_health_v1.Health service (real google.golang.org/grpc/health,
// no hand-rolled substitute) plus the same recovery/prometheus
// interceptor chain the teacher wires — deliberately without the
// teacher's auth interceptor, since spec.md's client surface has no
// notion of per-request bearer identity.
package cluster

import (
	"fmt"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// GRPCServer serves cluster health over gRPC, independent of the net/rpc
// client surface ClientServer provides.
type GRPCServer struct {
	node         *Node
	grpcServer   *grpc.Server
	healthServer *health.Server
	logger       *zap.Logger
	port         int
}

func NewGRPCServer(n *Node, port int, logger *zap.Logger) *GRPCServer {
	kaep := keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}
	kasp := keepalive.ServerParameters{MaxConnectionIdle: 5 * time.Minute, Time: 30 * time.Second, Timeout: 10 * time.Second}

	recoveryFunc := func(p interface{}) error {
		logger.Error("gRPC panic recovered", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "internal server error")
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(kaep),
		grpc.KeepaliveParams(kasp),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_prometheus.UnaryServerInterceptor,
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	grpc_prometheus.Register(grpcServer)

	return &GRPCServer{node: n, grpcServer: grpcServer, healthServer: healthServer, logger: logger, port: port}
}

func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc: listen on %d: %w", s.port, err)
	}

	s.healthServer.SetServingStatus("clustercore", grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go s.watchLeadership()

	s.logger.Info("starting gRPC health server", zap.Int("port", s.port))
	return s.grpcServer.Serve(listener)
}

// watchLeadership reflects Raft role into the health status once a second:
// the "clustercore" service reports NOT_SERVING while no leader is known
// and this node is not itself leader, and SERVING otherwise. The ""
// service keeps reporting SERVING for liveness until Stop.
func (s *GRPCServer) watchLeadership() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if s.node.raft.GetLeader() == "" && !s.node.raft.IsLeader() {
			s.healthServer.SetServingStatus("clustercore", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		} else {
			s.healthServer.SetServingStatus("clustercore", grpc_health_v1.HealthCheckResponse_SERVING)
		}
	}
}

func (s *GRPCServer) Stop() {
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.grpcServer.GracefulStop()
}
