package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flowforge/triggers/internal/cache"
	"github.com/flowforge/triggers/internal/config"
	"github.com/flowforge/triggers/internal/logger"
	"github.com/flowforge/triggers/internal/trigger"
	"github.com/flowforge/triggers/pkg/models"
)

func main() {
	var (
		sampleWorkflow = flag.String("sample-workflow", "", "Workflow ID to register a sample cron trigger against, for smoke-testing a deployment")
		sampleSchedule = flag.String("sample-schedule", "@every 1m", "Cron expression for the sample trigger")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logging)
	logger.SetDefault(log)
	log.Info("starting triggerd", "version", "1.0.0", "redis_enabled", cfg.Redis.Enabled)

	ctx := context.Background()

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build trigger store", "error", err)
		os.Exit(1)
	}

	manager, err := trigger.NewManager(trigger.ManagerConfig{
		Store:  store,
		OnFire: logOnlyFireCollaborator(log),
	})
	if err != nil {
		log.Error("failed to build trigger manager", "error", err)
		os.Exit(1)
	}

	unsubscribe := manager.OnTrigger(func(tctx models.TriggerContext) {
		log.Info("trigger fired", "trigger_id", tctx.TriggerID, "type", tctx.TriggerType)
	})
	defer unsubscribe()

	if *sampleWorkflow != "" {
		registerSampleTrigger(ctx, manager, log, *sampleWorkflow, *sampleSchedule)
	}

	if err := manager.Start(ctx); err != nil {
		log.Error("failed to start trigger manager", "error", err)
		os.Exit(1)
	}
	log.Info("trigger manager started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down triggerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error("trigger manager forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("triggerd exited gracefully")
}

// buildStore constructs the reference in-memory store, or a Redis-backed
// adjunct over it when TRIGGERD_REDIS_ENABLED is set, replaying any
// previously-persisted trigger records on startup.
func buildStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (trigger.Store, error) {
	if !cfg.Redis.Enabled {
		return trigger.NewInMemoryStore(), nil
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info("connected to redis for durable trigger bookkeeping")

	return trigger.NewRedisStore(ctx, redisCache)
}

// logOnlyFireCollaborator is the onFire collaborator used when triggerd
// runs standalone, with no workflow executor wired in: it logs the fire
// and mints a run id, standing in for the downstream workflow runner §6
// treats as external to this subsystem.
func logOnlyFireCollaborator(log *logger.Logger) trigger.OnFireCollaborator {
	var counter uint64
	return func(_ context.Context, t *models.Trigger, tctx models.TriggerContext) (string, error) {
		counter++
		runID := t.ID + "-run-" + strconv.FormatUint(counter, 10)
		log.Info("dispatching trigger to workflow runner",
			"trigger_id", t.ID, "workflow_id", t.WorkflowID, "run_id", runID, "payload", tctx.Payload)
		return runID, nil
	}
}

func registerSampleTrigger(ctx context.Context, manager *trigger.Manager, log *logger.Logger, workflowID, schedule string) {
	t := &models.Trigger{
		WorkflowID: workflowID,
		Name:       "sample-cron-trigger",
		Type:       models.TriggerTypeCron,
		Enabled:    true,
		Config: map[string]any{
			"schedule": schedule,
		},
	}

	id, err := manager.Register(ctx, t)
	if err != nil {
		log.Error("failed to register sample trigger", "error", err)
		return
	}
	log.Info("registered sample trigger", "trigger_id", id, "schedule", schedule)
}
