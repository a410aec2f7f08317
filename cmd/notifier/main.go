// cmd/notifier/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contractor-dispatch/internal/config"
	"contractor-dispatch/internal/infra/etcd"
	"contractor-dispatch/internal/infra/expo"
	"contractor-dispatch/internal/logger"
	"contractor-dispatch/internal/pushrpc"
	"contractor-dispatch/internal/tracing"
	"contractor-dispatch/internal/worker"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(lg)

	tracerShutdown, err := tracing.InitTracer("contractor-dispatch-notifier", tracing.Writer(cfg.TraceExporter))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	nodeID := uuid.New().String()
	lg.Info("starting notifier node", "node_id", nodeID, "listen_addr", cfg.GrpcListenAddr)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, lg)

	etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	defer etcdClient.Close()

	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}

	gateway := expo.NewPushClient(expo.Config{
		URL:         cfg.ExpoPushURL,
		AccessToken: cfg.ExpoAccessToken,
		Timeout:     cfg.PushTimeout,
		MaxRetries:  cfg.PushMaxRetries,
		Backoff:     cfg.PushBackoff,
	}, lg)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	pushrpc.RegisterRelayServer(grpcServer, worker.NewServer(gateway, nodeID, lg))

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			lg.Error("gRPC server failed", "error", err)
			cancel()
		}
	}()

	// Register only once the relay is serving so dispatchers never pick a dead address.
	registry := worker.NewRegistry(etcdClient, lg)
	regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
	err = registry.Register(regCtx, nodeID, cfg.AdvertiseAddr(), int64(cfg.LeaderElectionTTL.Seconds()))
	regCancel()
	if err != nil {
		log.Fatalf("Failed to register notifier: %v", err)
	}

	<-rootCtx.Done()
	lg.Info("shutting down notifier gracefully")

	deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := registry.Deregister(deregCtx); err != nil {
		lg.Error("failed to deregister notifier", "error", err)
	}
	deregCancel()

	grpcServer.GracefulStop()
	lg.Info("notifier shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc, lg *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		lg.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
