package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/config"
	"github.com/devrev/pairdb/tablet-node/internal/health"
	"github.com/devrev/pairdb/tablet-node/internal/memtracker"
	"github.com/devrev/pairdb/tablet-node/internal/metrics"
	"github.com/devrev/pairdb/tablet-node/internal/server"
	"github.com/devrev/pairdb/tablet-node/internal/tablet"
	"github.com/devrev/pairdb/tablet-node/internal/tablet/tabletfakes"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int64("tablet_transaction_memory_limit_mb", cfg.Tablet.TransactionMemoryLimitMB),
		zap.Int("num_tablets_to_open_simultaneously", cfg.Tablet.NumTabletsToOpenSimultaneously))

	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	memRoot := memtracker.NewTracker("root", memtracker.DisableSentinel, nil)

	managerReg := prometheus.NewRegistry()
	managerMetrics := metrics.NewManagerMetrics(cfg.Server.NodeID, managerReg)

	// The consensus/replication engine, on-disk bootstrap replay, clock
	// source, and filesystem abstraction a real ReplicaCore would wrap are
	// all out of scope here (see SPEC_FULL.md §1); tabletfakes supplies the
	// only implementations of these collaborator interfaces that exist in
	// this module.
	fs := tabletfakes.NewFileSystem()
	metaStore := tabletfakes.NewMetadataStore()
	bootstrapper := tabletfakes.NewBootstrapper()
	clock := &tabletfakes.Clock{}
	messenger := &tabletfakes.Messenger{Addr: fmt.Sprintf("%s:0", cfg.Server.NodeID)}
	maintenanceMgr := &tabletfakes.MaintenanceManager{}

	manager := tablet.NewManager(tablet.ManagerConfig{
		NodeID:                         cfg.Server.NodeID,
		FS:                             fs,
		MetaStore:                      metaStore,
		Bootstrapper:                   bootstrapper,
		Clock:                          clock,
		Messenger:                      messenger,
		MaintenanceManager:             maintenanceMgr,
		CoreFactory:                    func(meta *tablet.Metadata) tablet.ReplicaCore { return tabletfakes.NewReplicaCore() },
		NumTabletsToOpenSimultaneously: cfg.Tablet.NumTabletsToOpenSimultaneously,
		StartWarnThreshold:             time.Duration(cfg.Tablet.StartWarnThresholdMS) * time.Millisecond,
		TransactionMemoryLimitMB:       cfg.Tablet.TransactionMemoryLimitMB,
		MemoryTrackerRoot:              memRoot,
		ManagerMetrics:                 managerMetrics,
		Logger:                         logger,
	})

	logger.Info("starting tablet manager bootstrap discovery")
	if err := manager.Init(context.Background()); err != nil {
		logger.Fatal("failed to initialize tablet manager", zap.Error(err))
	}
	if err := manager.WaitForAllBootstrapsToFinish(); err != nil {
		logger.Warn("one or more tablets failed bootstrap", zap.Error(err))
	}

	checker := health.NewChecker(health.Config{NodeID: cfg.Server.NodeID, Manager: manager}, logger)
	checkerCtx, cancelChecker := context.WithCancel(context.Background())
	go checker.Start(checkerCtx, 10*time.Second)

	var metricsSrv *server.Server
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewServer(server.Config{
			Port:            cfg.Metrics.Port,
			Manager:         manager,
			ManagerRegistry: managerReg,
			Checker:         checker,
		}, logger)
		if err := metricsSrv.Start(); err != nil {
			logger.Fatal("failed to start metrics server", zap.Error(err))
		}
		logger.Info("metrics server listening", zap.Int("port", cfg.Metrics.Port))
	}

	checker.SetReadiness(true)
	logger.Info("tablet node ready", zap.String("node_id", cfg.Server.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	checker.SetReadiness(false)
	cancelChecker()

	if metricsSrv != nil {
		if err := metricsSrv.Stop(); err != nil {
			logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}
	if err := manager.Shutdown(); err != nil {
		logger.Error("tablet manager shutdown reported an error", zap.Error(err))
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
