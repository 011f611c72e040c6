package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipewatch/pipewatch/internal/checkpoint"
	"github.com/pipewatch/pipewatch/internal/classify"
	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/health"
	"github.com/pipewatch/pipewatch/internal/infra/executor"
	redisclient "github.com/pipewatch/pipewatch/internal/infra/redis"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/infra/storage/memory"
	"github.com/pipewatch/pipewatch/internal/infra/storage/postgres"
	"github.com/pipewatch/pipewatch/internal/monitor"
	"github.com/pipewatch/pipewatch/internal/notify"
	"github.com/pipewatch/pipewatch/internal/pattern"
	"github.com/pipewatch/pipewatch/internal/recovery"
)

// Engine wires storage, recovery, monitoring and the operator surface
// together and manages their lifecycle.
type Engine struct {
	cfg          *config.AppConfig
	db           *postgres.DB
	redisClient  *redisclient.Client
	mon          *monitor.Monitor
	dispatcher   *Dispatcher
	pruner       *Pruner
	healthServer *health.Server
	log          *slog.Logger
}

// New creates an Engine with all dependencies initialized.
func New(cfg *config.AppConfig) (*Engine, error) {
	// 1. Storage
	var (
		runRepo        storage.RunRepository
		failureRepo    storage.FailureRepository
		checkpointRepo storage.CheckpointRepository
		recoveryRepo   storage.RecoveryRepository
		db             *postgres.DB
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate("migrations"); err != nil {
			return nil, err
		}

		runRepo = postgres.NewRunRepo(db)
		failureRepo = postgres.NewFailureRepo(db)
		checkpointRepo = postgres.NewCheckpointRepo(db)
		recoveryRepo = postgres.NewRecoveryRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		runRepo = memory.NewRunRepo(store)
		failureRepo = memory.NewFailureRepo(store)
		checkpointRepo = memory.NewCheckpointRepo(store)
		recoveryRepo = memory.NewRecoveryRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Redis for cross-instance locks and cooldowns
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, coordination degraded to storage only", "error", err)
		}
	}

	// 3. Executor and validation checkers
	var exec executor.RecoveryExecutor
	var artifacts executor.ArtifactChecker
	var dependencies executor.DependencyChecker

	timeout := cfg.Executor.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Executor.URL != "" {
		exec = executor.NewHTTPExecutor(cfg.Executor.URL, cfg.Recovery.ExecutorTimeout)
	}
	if cfg.Executor.ArtifactURL != "" {
		artifacts = executor.NewHTTPArtifactChecker(cfg.Executor.ArtifactURL, timeout)
	}
	if cfg.Executor.DependencyURL != "" {
		dependencies = executor.NewHTTPDependencyChecker(cfg.Executor.DependencyURL, timeout)
	}

	// 4. Recovery stack
	checkpoints := checkpoint.NewStore(checkpointRepo)
	validator := recovery.NewValidator(cfg.Recovery.RequiredStateKeys, artifacts, dependencies)

	var recoverer monitor.Recoverer
	if exec != nil {
		recoverer = recovery.NewManager(
			failureRepo,
			recoveryRepo,
			checkpoints,
			validator,
			exec,
			redisClient,
			cfg.Recovery,
		)
	} else {
		slog.Warn("No executor configured, recovery disabled")
	}

	// 5. Notification port
	var notifier notify.Notifier = &notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, timeout)
	}

	// 6. Monitor facade
	mon := monitor.New(
		runRepo,
		failureRepo,
		recoveryRepo,
		checkpoints,
		classify.New(cfg.Monitor.SeverityRetryThreshold),
		pattern.NewAnalyzer(failureRepo, cfg.Monitor.Window),
		recoverer,
		notifier,
		redisClient,
		cfg,
	)

	e := &Engine{
		cfg:          cfg,
		db:           db,
		redisClient:  redisClient,
		mon:          mon,
		dispatcher:   NewDispatcher(mon, cfg.Monitor.Workers),
		healthServer: health.NewServer(mon, cfg.Server.Port),
		log:          slog.Default(),
	}
	if cfg.Recovery.CheckpointRetention > 0 {
		e.pruner = NewPruner(checkpoints, cfg.Recovery.CheckpointRetention)
	}
	return e, nil
}

// Start starts the engine and all its components.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("Health server failed", "error", err)
		}
	}()

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	e.dispatcher.Start(ctx)

	if e.pruner != nil {
		go e.pruner.Start(ctx)
	}

	e.log.Info("Engine started",
		"port", e.cfg.Server.Port,
		"repositories", len(e.cfg.Repositories),
		"workers", e.cfg.Monitor.Workers,
	)
	return nil
}

// Stop stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	e.dispatcher.Stop()

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("Failed to close database", "error", err)
		}
	}

	return e.healthServer.Stop(ctx)
}

// Submit queues one workflow event for ordered processing.
func (e *Engine) Submit(ctx context.Context, event *domain.WorkflowEvent) error {
	return e.dispatcher.Submit(ctx, event)
}

// Monitor exposes the query facade, for the CLI.
func (e *Engine) Monitor() *monitor.Monitor {
	return e.mon
}
