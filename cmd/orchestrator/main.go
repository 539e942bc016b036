// Package main is the entry point for the orchestrator service: the
// process that drains task.execute events, drives them through the
// Executor pipeline, and keeps the sandbox registry clean of orphans.
//
// Task admission (internal/task/admission) and its rate limiter are a
// library surface consumed directly by whatever already-authenticated
// caller creates tasks; that caller, and the transport it uses to reach
// its own users, are out of scope for this process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/branchname"
	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/database"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/credentials"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/logsink"
	"github.com/taskforge/taskforge/internal/orchestrator/executor"
	"github.com/taskforge/taskforge/internal/orchestrator/worker"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/sandbox/cloudapi"
	"github.com/taskforge/taskforge/internal/sandbox/docker"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// workerPoolSize is the number of concurrent task.execute subscriptions
// this process holds under the shared queue group.
const workerPoolSize = 4

// cancellationWatchInterval is how often the orchestrator checks its live
// sandboxes against their task's current status, to destroy one promptly
// once some other process (or Admission embedded in this one) marks the
// task stopped.
const cancellationWatchInterval = 1 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting orchestrator service")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to PostgreSQL
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("connected to postgres")

	// 5. Connect to the event bus, falling back to the in-memory bus when
	// no NATS url is configured.
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus

	// 6. Wire the Task Store and Credential Store.
	taskRepo := repository.NewPostgresRepository(db)

	masterKey, err := credentials.NewMasterKeyProvider(cfg.Secrets.MasterKeyDir)
	if err != nil {
		log.Fatal("failed to load master encryption key", zap.Error(err))
	}
	credStore := credentials.NewPostgresStore(db, masterKey, log)

	// 7. Wire the Sandbox Provider registry.
	registry := sandbox.NewRegistry(map[models.SandboxProviderType]sandbox.Provider{
		models.ProviderDocker:  docker.NewProvider(cfg.Docker, log),
		models.ProviderVercel:  cloudapi.NewVercelProvider(cfg.Sandbox.VercelAPIBase, "", log),
		models.ProviderE2B:     cloudapi.NewE2BProvider(cfg.Sandbox.E2BAPIBase, "", log),
		models.ProviderDaytona: cloudapi.NewDaytonaProvider(cfg.Sandbox.DaytonaAPIBase, "", log),
	})
	handles := sandbox.NewHandleRegistry(registry, taskRepo, log)
	go handles.RunSweepLoop(ctx, cfg.Sandbox.OrphanSweepInterval, cfg.Sandbox.MaxDuration)
	go handles.RunCancellationWatchLoop(ctx, cancellationWatchInterval)

	// 8. Wire the Log Sink.
	sink := logsink.New(taskRepo, log)

	// 9. Wire the Branch-Name Synthesizer subscriber.
	var synth branchname.Synthesizer
	if cfg.BranchLLM.GatewayURL != "" {
		synth = branchname.NewGatewayClient(cfg.BranchLLM.GatewayURL, cfg.BranchLLM.Timeout)
	} else {
		synth = branchname.NullSynthesizer{}
	}
	branchSub := branchname.NewSubscriber(synth, taskRepo, log)
	if _, err := branchSub.Start(eventBus); err != nil {
		log.Fatal("failed to start branch-name subscriber", zap.Error(err))
	}

	// 10. Wire the Executor pipeline and worker pool.
	pipeline := executor.NewWithMaxDuration(taskRepo, registry, handles, credStore, sink, eventBus, log, cfg.Sandbox.MaxDuration)
	pool := worker.New(eventBus, pipeline, log)
	if err := pool.Start(ctx, workerPoolSize); err != nil {
		log.Fatal("failed to start worker pool", zap.Error(err))
	}
	log.Info("worker pool started", zap.Int("workers", workerPoolSize))

	// 11. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator service")
	cancel()
	pool.Stop()

	log.Info("orchestrator service stopped")
}
