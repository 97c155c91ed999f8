// Package main is the entry point for the Foresight report precompute
// service. It computes instrument reports ahead of demand on a nightly
// schedule, caches them with a TTL, and serves them over a REST API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/config"
	"github.com/aristath/foresight/internal/cost"
	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/orchestrator"
	"github.com/aristath/foresight/internal/queue"
	"github.com/aristath/foresight/internal/reports"
	"github.com/aristath/foresight/internal/scheduler"
	"github.com/aristath/foresight/internal/server"
	"github.com/aristath/foresight/internal/universe"
	"github.com/aristath/foresight/internal/worker"
	"github.com/aristath/foresight/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Foresight")

	// Three databases with different durability profiles: the execution
	// ledger is the audit trail, the report cache is rebuildable, the
	// instrument registry sits in between.
	universeDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "universe.db"),
		Profile: database.ProfileStandard,
		Name:    "universe",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open universe database")
	}
	defer universeDB.Close()

	pipelineDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "pipeline.db"),
		Profile: database.ProfileLedger,
		Name:    "pipeline",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open pipeline database")
	}
	defer pipelineDB.Close()

	reportsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "reports.db"),
		Profile: database.ProfileCache,
		Name:    "reports",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open reports database")
	}
	defer reportsDB.Close()

	for _, db := range []*database.DB{universeDB, pipelineDB, reportsDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}
	log.Info().Msg("Databases initialized")

	instRepo := universe.NewInstrumentRepository(universeDB.Conn(), log)
	execRepo := executions.NewExecutionRepository(pipelineDB.Conn(), log)
	jobRepo := executions.NewJobRepository(pipelineDB.Conn(), log)
	reportRepo := reports.NewReportRepository(reportsDB.Conn(), log)
	resolver := universe.NewSymbolResolver(instRepo, log)
	gate := cost.NewGate(cfg.Cost, log)

	var workQueue queue.Queue
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		workQueue, err = queue.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis queue")
		}
	default:
		workQueue = queue.NewMemoryQueue(log)
	}
	defer workQueue.Close()
	log.Info().Str("backend", cfg.QueueBackend).Msg("Work queue initialized")

	builder := worker.NewHTTPBuilder(cfg.BuilderServiceURL, cfg.BuilderTimeout, log)
	w := worker.NewWorker(builder, gate, reportRepo, execRepo, jobRepo, instRepo,
		cfg.ReportTTL, cfg.ErrorTTL, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(workQueue, w, cfg.WorkerCount, cfg.MaxAttempts, cfg.RetryBaseDelay, log)
	pool.Start(ctx)
	log.Info().Int("workers", cfg.WorkerCount).Msg("Worker pool started")

	orch := orchestrator.New(instRepo, execRepo, workQueue, log)
	watcher := executions.NewWatcher(execRepo, jobRepo, cfg.WatchInterval, cfg.ExecutionTimeout, log)

	// Every open execution gets a watcher goroutine so the date lock is
	// always released, including runs left open by a previous process.
	go watchOpenExecutions(ctx, execRepo, watcher, log)

	sched := scheduler.New(log)
	if cfg.PrecomputeSchedule != "" {
		precompute := scheduler.NewPrecomputeJob(orch, cfg.ExecutionTimeout, log)
		if err := sched.AddJob(cfg.PrecomputeSchedule, precompute); err != nil {
			log.Fatal().Err(err).Msg("Failed to register precompute job")
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		UniverseDB:   universeDB,
		PipelineDB:   pipelineDB,
		ReportsDB:    reportsDB,
		Orchestrator: orch,
		Watcher:      watcher,
		ExecRepo:     execRepo,
		ReportRepo:   reportRepo,
		Resolver:     resolver,
		InstRepo:     instRepo,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	cancel()
	pool.Stop()
	log.Info().Msg("Worker pool stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// watchOpenExecutions sweeps for open executions and waits each one out.
// One Wait call per execution; new runs are picked up on the next sweep.
func watchOpenExecutions(ctx context.Context, execRepo *executions.ExecutionRepository, watcher *executions.Watcher, log zerolog.Logger) {
	watching := make(map[string]bool)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, err := execRepo.ListOpen()
			if err != nil {
				log.Error().Err(err).Msg("Failed to list open executions")
				continue
			}
			for _, exec := range open {
				if watching[exec.ID] {
					continue
				}
				watching[exec.ID] = true

				id := exec.ID
				go func() {
					if _, err := watcher.Wait(ctx, id); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Str("execution", id).Msg("Watcher failed")
					}
				}()
			}
		}
	}
}
