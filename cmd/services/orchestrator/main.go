// Package main runs the orchestrator: the workflow engine, the provider
// fallback manager, the scheduler and the ops HTTP server in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arachne-ai/arachne/internal/agent"
	"github.com/arachne-ai/arachne/internal/agent/llm"
	"github.com/arachne-ai/arachne/internal/archive"
	"github.com/arachne-ai/arachne/internal/engine"
	"github.com/arachne-ai/arachne/internal/ops"
	"github.com/arachne-ai/arachne/internal/platform/cache"
	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/platform/database"
	"github.com/arachne-ai/arachne/internal/platform/health"
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/messaging/kafka"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/platform/telemetry"
	"github.com/arachne-ai/arachne/internal/provider"
	"github.com/arachne-ai/arachne/internal/provider/openai"
	"github.com/arachne-ai/arachne/internal/schedule"
	"github.com/arachne-ai/arachne/internal/shared/events"
	"github.com/arachne-ai/arachne/internal/workflow/adapters/repository/postgres"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
	"github.com/arachne-ai/arachne/internal/workflow/domain/repository"
	"github.com/arachne-ai/arachne/internal/workflow/loader"
)

const serviceName = "orchestrator"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting Orchestrator", "version", cfg.Version, "port", cfg.HTTP.Port)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer tel.Close()

	m := metrics.NewMetrics("arachne")

	ctx := context.Background()

	// Optional stores. The engine runs without any of them; they add
	// persistence and archival around the in-memory core.
	var (
		db        *database.DB
		defRepo   *postgres.DefinitionRepository
		auditRepo *postgres.ExecutionRepository
	)
	if cfg.Database.Enabled {
		db, err = database.New(cfg.Database)
		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("failed to run migrations", "error", err)
		}
		defRepo = postgres.NewDefinitionRepository(db)
		auditRepo = postgres.NewExecutionRepository(db)
		log.Info("database connected", "host", cfg.Database.Host, "schema", cfg.Database.Schema)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewClient(cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
		log.Info("redis connected", "addr", cfg.Redis.Addr())
	}

	var sinks []archive.Sink
	if redisClient != nil {
		sinks = append(sinks, archive.NewRedisSink(redisClient, cfg.Archive))
	}
	if cfg.Archive.S3Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			log.Fatal("failed to initialize s3 archive", "error", err)
		}
		sinks = append(sinks, archive.NewS3Sink(s3Client, cfg.Archive))
	}
	var archiver *archive.Archiver
	if len(sinks) > 0 {
		archiver = archive.New(sinks, archive.WithLogger(log), archive.WithMetrics(m))
		archiver.Start()
	}

	// Engine. Completion hooks feed the archiver and the audit table
	// without the core knowing either exists.
	registry := agent.NewRegistry()
	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithTelemetry(tel),
	}
	if archiver != nil {
		engineOpts = append(engineOpts, engine.OnExecutionComplete(archiver.Enqueue))
	}
	if auditRepo != nil {
		engineOpts = append(engineOpts,
			engine.OnExecutionStart(func(snap *model.ExecutionSnapshot) {
				go recordStart(auditRepo, log, snap)
			}),
			engine.OnExecutionComplete(func(snap *model.ExecutionSnapshot) {
				go recordCompletion(auditRepo, log, snap)
			}),
		)
	}
	eng := engine.New(cfg.Engine, registry, engineOpts...)

	// Providers. The llm agent makes the fallback chain reachable from
	// TASK nodes; fallback successes surface as engine events.
	var providers *provider.Manager
	if len(cfg.Providers.Backends) > 0 {
		transports := map[string]provider.Transport{
			"openai": openai.New(),
		}
		providers, err = provider.New(cfg.Providers, transports,
			provider.WithLogger(log),
			provider.WithMetrics(m),
			provider.WithFallbackHandler(func(fb events.ProviderFallback) {
				event, err := events.NewEvent(fb.RequestID, "provider", events.TypeProviderFallback, fb)
				if err != nil {
					return
				}
				eng.Events().Emit(event)
			}),
		)
		if err != nil {
			log.Fatal("failed to initialize providers", "error", err)
		}
		if err := registry.Register(llm.AgentType, llm.New(providers, llm.WithLogger(log))); err != nil {
			log.Fatal("failed to register llm agent", "error", err)
		}
	} else {
		log.Warn("no provider backends configured; llm agent not registered")
	}

	// Kafka bridge: every engine event is forwarded to its topic.
	if cfg.Kafka.Enabled {
		publisher, err := kafka.NewEventPublisher(&kafka.Config{Brokers: cfg.Kafka.Brokers}, log, kafka.WithMetrics(m))
		if err != nil {
			log.Fatal("failed to initialize kafka publisher", "error", err)
		}
		defer publisher.Close()
		eng.Events().On(engine.SubscribeAll, func(event *events.Event) {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Publish(pubCtx, event); err != nil {
				log.Error("failed to publish event", "event_type", event.EventType, "error", err)
			}
		})
	}

	// Definition write-through: registrations from any path (files, API,
	// restore) land in Postgres. Duplicates mean the row is already there.
	if defRepo != nil {
		eng.Events().On(events.TypeWorkflowRegistered, func(event *events.Event) {
			def, ok := eng.Workflow(event.AggregateID)
			if !ok {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := defRepo.Save(saveCtx, def); err != nil && !errors.Is(err, repository.ErrDuplicateID) {
				log.Error("failed to persist workflow definition",
					"workflow_id", def.WorkflowID, "error", err)
			}
		})
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start engine", "error", err)
	}

	registerStoredWorkflows(ctx, eng, defRepo, log)
	registerFileWorkflows(eng, cfg.Engine.WorkflowsDir, log)

	var scheduler *schedule.Service
	if len(cfg.Schedules) > 0 {
		scheduler = schedule.NewService(eng, schedule.NewMemoryRepository(),
			schedule.WithLogger(log),
			schedule.WithMetrics(m),
			schedule.WithEvents(eng.Events()),
		)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal("failed to start scheduler", "error", err)
		}
		for _, sc := range cfg.Schedules {
			if err := scheduler.Add(ctx, schedule.FromConfig(sc)); err != nil {
				log.Error("failed to add schedule",
					"schedule_id", sc.ID, "workflow_id", sc.WorkflowID, "error", err)
			}
		}
	}

	checker := health.NewHandler(serviceName, cfg.Version)
	checker.AddCheck("engine", func(context.Context) error {
		if !eng.Running() {
			return errors.New("engine not running")
		}
		return nil
	})
	if db != nil {
		checker.AddCheck("database", db.HealthCheck)
	}
	if redisClient != nil {
		checker.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	srv, err := ops.New(cfg.HTTP, eng, providers,
		ops.WithLogger(log),
		ops.WithMetrics(m),
		ops.WithHealth(checker),
	)
	if err != nil {
		log.Fatal("failed to create ops server", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	// Stop intake first, then the engine, then the consumers behind it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown error", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := eng.Stop(); err != nil {
		log.Error("engine stop error", "error", err)
	}
	archiver.Stop()

	log.Info("Orchestrator stopped gracefully")
}

// registerStoredWorkflows restores definitions persisted by earlier runs.
func registerStoredWorkflows(ctx context.Context, eng *engine.Engine, repo *postgres.DefinitionRepository, log logger.Logger) {
	if repo == nil {
		return
	}
	defs, err := repo.List(ctx, 0, 500)
	if err != nil {
		log.Error("failed to load stored workflows", "error", err)
		return
	}
	for _, def := range defs {
		warnings, err := eng.RegisterWorkflow(def)
		if err != nil {
			if !errors.Is(err, engine.ErrDuplicateWorkflow) {
				log.Error("failed to register stored workflow",
					"workflow_id", def.WorkflowID, "error", err)
			}
			continue
		}
		logRegistration(log, "stored", def.WorkflowID, warnings)
	}
}

// registerFileWorkflows loads the definitions shipped beside the config.
func registerFileWorkflows(eng *engine.Engine, dir string, log logger.Logger) {
	defs, err := loader.LoadDir(dir)
	if err != nil {
		log.Error("failed to load workflow files", "dir", dir, "error", err)
		return
	}
	for _, def := range defs {
		warnings, err := eng.RegisterWorkflow(def)
		if err != nil {
			if !errors.Is(err, engine.ErrDuplicateWorkflow) {
				log.Error("failed to register workflow file",
					"workflow_id", def.WorkflowID, "error", err)
			}
			continue
		}
		logRegistration(log, "file", def.WorkflowID, warnings)
	}
}

func logRegistration(log logger.Logger, source, workflowID string, warnings []string) {
	log.Info("workflow registered", "source", source, "workflow_id", workflowID)
	for _, w := range warnings {
		log.Warn("workflow validation warning", "workflow_id", workflowID, "warning", w)
	}
}

func recordStart(repo *postgres.ExecutionRepository, log logger.Logger, snap *model.ExecutionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record := &repository.ExecutionRecord{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		Status:      snap.Status,
		InitiatedBy: snap.InitiatedBy,
		Priority:    snap.Priority,
		StartedAt:   snap.StartedAt,
	}
	if err := repo.RecordStart(ctx, record); err != nil {
		log.Error("failed to record execution start",
			"execution_id", snap.ExecutionID, "error", err)
	}
}

func recordCompletion(repo *postgres.ExecutionRepository, log logger.Logger, snap *model.ExecutionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record := &repository.ExecutionRecord{
		ExecutionID:    snap.ExecutionID,
		WorkflowID:     snap.WorkflowID,
		Status:         snap.Status,
		Error:          snap.Error,
		InitiatedBy:    snap.InitiatedBy,
		Priority:       snap.Priority,
		CompletedNodes: snap.Progress.CompletedNodes,
		FailedNodes:    snap.Progress.FailedNodes,
		StartedAt:      snap.StartedAt,
		CompletedAt:    snap.CompletedAt,
		Duration:       snap.Duration,
	}
	if err := repo.RecordCompletion(ctx, record); err != nil {
		log.Error("failed to record execution completion",
			"execution_id", snap.ExecutionID, "error", err)
	}
}
