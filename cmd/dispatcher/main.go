// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "contractor-dispatch/internal/api/http"
	"contractor-dispatch/internal/config"
	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/geo"
	"contractor-dispatch/internal/infra/etcd"
	"contractor-dispatch/internal/infra/expo"
	"contractor-dispatch/internal/infra/memory"
	"contractor-dispatch/internal/infra/rabbitmq"
	redisstore "contractor-dispatch/internal/infra/redis"
	"contractor-dispatch/internal/ledger"
	"contractor-dispatch/internal/logger"
	"contractor-dispatch/internal/master"
	"contractor-dispatch/internal/scheduler"
	"contractor-dispatch/internal/tracing"
	"contractor-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

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

	tracerShutdown, err := tracing.InitTracer("contractor-dispatch-dispatcher", tracing.Writer(cfg.TraceExporter))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	nodeID := uuid.New().String()
	lg.Info("starting dispatcher node", "node_id", nodeID, "store_backend", cfg.StoreBackend)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, lg)

	// Storage, locking and leadership.
	var (
		etcdClient *clientv3.Client
		store      domain.KVStore
		locker     domain.Locker
		leader     domain.LeaderElectionManager
	)
	if cfg.StoreBackend != config.BackendMemory {
		etcdClient, err = etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		lg.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		locker = etcd.NewEtcdLocker(etcdClient, int(cfg.LockTTL.Seconds()), lg)
		leader = etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, lg)
	}

	switch cfg.StoreBackend {
	case config.BackendEtcd:
		store = etcd.NewEtcdKVStore(etcdClient, cfg.EtcdPrefix, lg)
	case config.BackendRedis:
		redisClient, err := redisstore.NewClient(rootCtx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		lg.Info("connected to redis", "addr", cfg.RedisAddr)
		store = redisstore.NewRedisKVStore(redisClient, cfg.RedisPrefix, lg)
	case config.BackendMemory:
		lg.Warn("using in-memory store, state is lost on restart")
		store = memory.NewKVStore()
		locker = memory.NewLocker()
		leader = memory.NewLeader()
	}

	// Notifications: relay through notifier nodes when any are registered,
	// otherwise talk to Expo directly.
	var gateway domain.NotificationGateway = expo.NewPushClient(expo.Config{
		URL:         cfg.ExpoPushURL,
		AccessToken: cfg.ExpoAccessToken,
		Timeout:     cfg.PushTimeout,
		MaxRetries:  cfg.PushMaxRetries,
		Backoff:     cfg.PushBackoff,
	}, lg)
	if cfg.RelayViaNotifiers && etcdClient != nil {
		discovery := master.NewNotifierDiscovery(etcdClient, lg)
		go discovery.WatchNotifiers(rootCtx)

		relay := master.NewRelayGateway(discovery, lg, master.WithFallback(gateway))
		defer relay.Close()
		gateway = relay
	}

	var events domain.EventPublisher
	if cfg.RabbitmqURL != "" {
		events, err = rabbitmq.NewEventPublisher(rabbitmq.Config{
			URL:            cfg.RabbitmqURL,
			Exchange:       cfg.EventsExchange,
			RetryAttempts:  5,
			RetryInterval:  2 * time.Second,
			Heartbeat:      10 * time.Second,
			PublishTimeout: 5 * time.Second,
		}, lg)
		if err != nil {
			log.Fatalf("Failed to connect event publisher: %v", err)
		}
	} else {
		events = memory.NewEventLog(lg)
	}
	defer events.Close()

	// Engine.
	dispatchLedger := ledger.New(store, lg, ledger.WithMaxAttempts(cfg.LedgerMaxAttempts))
	pusher := usecase.NewPushFanout(gateway, cfg.PushTimeout, lg)
	coordinator := usecase.NewDispatchRoundCoordinator(dispatchLedger, geo.NewMatcher(cfg.TieBandMiles), locker, pusher, events, usecase.SystemClock, lg)
	machine := usecase.NewAssignmentStateMachine(dispatchLedger, events, usecase.SystemClock, lg)
	reaper := usecase.NewExpiryReaper(dispatchLedger, events, lg)
	dispatchService := usecase.NewDispatchService(dispatchLedger, coordinator, machine, reaper, events, usecase.RoundParams{
		TTL:              cfg.DefaultOfferTTL,
		BatchSize:        cfg.DefaultBatchSize,
		MaxDistanceMiles: cfg.DefaultMaxDistanceMiles,
	}, usecase.SystemClock, lg)

	cronScheduler := scheduler.NewCronScheduler(lg)
	schedularService := usecase.NewSchedularService(leader, cronScheduler, dispatchService, cfg.SweepSchedule, cfg.ReassignSchedule, nodeID, lg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewDispatchHandler(dispatchService, lg).RegisterRoutes(mux)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := schedularService.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("schedular service stopped with error", "error", err)
			cancel()
		}
	}()

	lg.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-rootCtx.Done()
	lg.Info("shutting down dispatcher gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Error("HTTP server shutdown failed", "error", err)
	}
	<-schedDone
	pusher.Drain()

	lg.Info("dispatcher shut down")
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
