package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soltixdb/pgbalancer/internal/balancer"
	"github.com/soltixdb/pgbalancer/internal/claim"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	grpcserver "github.com/soltixdb/pgbalancer/internal/grpc"
	"github.com/soltixdb/pgbalancer/internal/handlers"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/metadata"
	"github.com/soltixdb/pgbalancer/internal/metrics"
	"github.com/soltixdb/pgbalancer/internal/queue"
	"github.com/soltixdb/pgbalancer/internal/router"
	"github.com/soltixdb/pgbalancer/internal/services"
	"github.com/soltixdb/pgbalancer/internal/simulator"
	"github.com/soltixdb/pgbalancer/internal/watcher"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Balancer service starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Runtime settings and the plan archive
	meta, err := metadata.New(cfg.Etcd, logger)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", "error", err)
	}
	defer func() { _ = meta.Close() }()

	prefix := cfg.Etcd.Prefix
	balancerSettings := config.NewSettings(prefix+"/config/balancer/", cfg.Balancer, meta)
	watcherSettings := config.NewSettings(prefix+"/config/watcher/", cfg.Watcher, meta)
	for name, s := range map[string]*config.Settings{"balancer": balancerSettings, "watcher": watcherSettings} {
		if err := s.Load(ctx); err != nil {
			logger.Fatal("Failed to load settings", "section", name, "error", err)
		}
		if err := s.Init(ctx); err != nil {
			logger.Fatal("Failed to persist default settings", "section", name, "error", err)
		}
	}

	claimer, err := claim.New(cfg.Claim, meta, prefix+"/claims/", logger)
	if err != nil {
		logger.Fatal("Failed to create plan claimer", "error", err)
	}
	defer func() { _ = claimer.Close() }()

	// Cluster state
	scenario, err := simulator.LoadScenario(cfg.Provider.ScenarioPath)
	if err != nil {
		logger.Fatal("Failed to load scenario", "path", cfg.Provider.ScenarioPath, "error", err)
	}
	cluster := simulator.New(scenario, logger)
	logger.Info("Simulated cluster loaded",
		"path", cfg.Provider.ScenarioPath, "devices", len(scenario.Devices), "pools", len(scenario.Pools))

	// Command dispatch
	var dispatcher dispatch.Dispatcher
	switch cfg.Dispatch.Mode {
	case "", "local":
		local := dispatch.NewLocalDispatcher(cluster, logger)
		defer local.Close()
		dispatcher = local
	case "queue":
		logger.Info("Connecting to Queue", "type", cfg.Queue.Type, "url", cfg.Queue.URL)
		q, err := queue.New(cfg.Queue, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Queue", "error", err)
		}
		defer func() { _ = q.Close() }()

		agent := dispatch.NewAgent(q, cfg.Dispatch.Subject, cfg.Dispatch.ReplySubject, cluster, cfg.Dispatch.Timeout, logger)
		if err := agent.Start(); err != nil {
			logger.Fatal("Failed to start command agent", "error", err)
		}
		defer func() { _ = agent.Stop() }()

		qd, err := dispatch.NewQueueDispatcher(q, cfg.Dispatch.Subject, cfg.Dispatch.ReplySubject, logger)
		if err != nil {
			logger.Fatal("Failed to create queue dispatcher", "error", err)
		}
		defer func() { _ = qd.Close() }()
		dispatcher = qd
	default:
		logger.Fatal("Unknown dispatch mode", "mode", cfg.Dispatch.Mode)
	}

	m, err := metrics.New(cfg.Metrics.Namespace)
	if err != nil {
		logger.Fatal("Failed to register metrics", "error", err)
	}

	hostname, _ := os.Hostname()
	archive := metadata.NewArchive(meta, prefix+"/plans", cfg.Balancer.PlanHistory, logger)
	b := balancer.New(balancer.Options{
		Settings:       balancerSettings,
		Provider:       cluster,
		Dispatcher:     dispatcher,
		Claimer:        claimer,
		Archive:        archive,
		Recorder:       m,
		Owner:          hostname,
		CommandTimeout: cfg.Dispatch.Timeout,
	}, logger)
	w := watcher.New(watcherSettings, cluster, dispatcher, cfg.Dispatch.Timeout, m, logger)

	b.Start(ctx)
	w.Start(ctx)

	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	h := handlers.New(logger, services.NewBalancerService(logger, b), services.NewWatcherService(logger, w))
	app := router.New(logger, h, m, *cfg)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	hs := grpcserver.NewHealthServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort), logger)
	hs.SetServing(grpcserver.ServiceBalancer, true)
	hs.SetServing(grpcserver.ServiceWatcher, true)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		if err := hs.Start(ctx); err != nil {
			logger.Error("Health server failed", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	hs.SetServing(grpcserver.ServiceBalancer, false)
	hs.SetServing(grpcserver.ServiceWatcher, false)

	b.Stop()
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	cancel()
	<-healthDone
	logger.Info("Server exited")
}
