// Command clustercored runs one clustercore cluster member: Raft
// consensus, the replicated lock/queue/cache services, and the client RPC
// and health surfaces. Grounded on cmd/worker/main.go's
// load-config/construct/signal-wait/graceful-shutdown shape, kept
// deliberately thin — spec.md scopes admin tooling and dynamic membership
// out, so this binary only ever starts the one node described by its
// environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/clustercore/internal/cluster"
	"github.com/ruvnet/clustercore/internal/config"
)

var grpcPort int

var rootCmd = &cobra.Command{
	Use:   "clustercored",
	Short: "clustercore cluster daemon",
	Long:  "clustercored runs a single clustercore node: Raft consensus plus the replicated lock, queue, and cache services.",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&grpcPort, "grpc-port", 9090, "port to serve the gRPC health surface on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	node, err := cluster.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct node: %w", err)
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := node.ServeClientRPC(ctx, cfg.ClientListenAddr); err != nil {
			logger.Error("client RPC server exited", zap.Error(err))
		}
	}()

	grpcServer := cluster.NewGRPCServer(node, grpcPort, logger)
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Error("gRPC health server exited", zap.Error(err))
		}
	}()

	logger.Info("clustercored started", zap.String("node_id", cfg.NodeID), zap.String("listen_addr", cfg.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down clustercored")
	cancel()
	grpcServer.Stop()
	if err := node.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	logger.Info("clustercored exited gracefully")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
