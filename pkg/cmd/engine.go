// Package cmd wires the engine components together for the command-line binary.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/backup/offsite"
	"github.com/dukex/repokeeper/pkg/config"
	"github.com/dukex/repokeeper/pkg/eventbus"
	"github.com/dukex/repokeeper/pkg/otelhelper"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/registry"
	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/dukex/repokeeper/pkg/scheduler"
	"github.com/dukex/repokeeper/pkg/workflow"
)

type EngineConfig struct {
	DatabaseURL        string
	EventBus           string
	WorkflowsDir       string
	WorkDir            string
	DefaultStepTimeout time.Duration
	GracePeriod        time.Duration
	TickInterval       time.Duration
}

// Engine owns every long-lived component of one process.
type Engine struct {
	Logger       *slog.Logger
	Persistence  persistence.Persistence
	EventBus     eventbus.EventBus
	Registry     *registry.Registry
	Orchestrator *workflow.Orchestrator
	Backups      *backup.Manager
	Scheduler    *scheduler.Scheduler

	shutdownTracer otelhelper.ShutdownFunc
}

// NewEngine opens storage and the event bus, loads workflow definitions and builds
// the orchestrator, backup manager and scheduler. Nothing is started.
func NewEngine(ctx context.Context, logger *slog.Logger, cfg EngineConfig) (*Engine, error) {
	tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTracer(ctx)

		return nil, err
	}

	engine := &Engine{Logger: logger, Persistence: store, shutdownTracer: shutdownTracer}

	engine.EventBus, err = NewEventBus(cfg.EventBus, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close(ctx))
	}

	engine.Registry, err = NewRegistry(ctx, logger, store.WorkflowRepository(), cfg.WorkflowsDir)
	if err != nil {
		return nil, errors.Join(err, engine.Close(ctx))
	}

	runner := workflow.NewShellRunner(cfg.DefaultStepTimeout)
	if cfg.GracePeriod > 0 {
		runner.GracePeriod = cfg.GracePeriod
	}

	orchestratorOpts := []workflow.Option{
		workflow.WithPublisher(engine.EventBus),
		workflow.WithTracer(tracer),
	}
	if cfg.WorkDir != "" {
		orchestratorOpts = append(orchestratorOpts, workflow.WithWorkDir(cfg.WorkDir))
	}

	engine.Orchestrator = workflow.NewOrchestrator(logger, engine.Registry,
		workflow.NewTracker(logger, store.RunRepository()), runner, orchestratorOpts...)

	backupOpts := []backup.Option{
		backup.WithPublisher(engine.EventBus),
		backup.WithTracer(tracer),
	}

	replicator, err := NewReplicator(ctx, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close(ctx))
	}

	if replicator != nil {
		backupOpts = append(backupOpts, backup.WithReplicator(replicator))
	}

	engine.Backups = backup.NewManager(logger, repository.NewLocal(logger), store.BackupRepository(), backupOpts...)

	schedulerOpts := []scheduler.Option{scheduler.WithTracer(tracer)}
	if cfg.TickInterval > 0 {
		schedulerOpts = append(schedulerOpts, scheduler.WithInterval(cfg.TickInterval))
	}

	engine.Scheduler = scheduler.NewScheduler(logger, store.ScheduleRepository(), engine.Backups, schedulerOpts...)

	return engine, nil
}

// NewRegistry loads the stored definitions and then registers every file in
// workflowsDir over them, so files are the source of truth for the names they define.
func NewRegistry(ctx context.Context, logger *slog.Logger, store persistence.WorkflowRepository, workflowsDir string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger, store)

	err := reg.Load(ctx)
	if err != nil {
		return nil, err
	}

	if workflowsDir == "" {
		return reg, nil
	}

	definitions, err := config.LoadWorkflowDir(workflowsDir)
	if err != nil {
		return nil, err
	}

	for _, definition := range definitions {
		err := reg.Register(ctx, definition, true)
		if err != nil {
			return nil, fmt.Errorf("failed to register workflow %s: %w", definition.Name, err)
		}
	}

	return reg, nil
}

// NewReplicator returns the off-host archive store configured through the
// REPOKEEPER_S3_* variables, or nil when replication is not configured.
func NewReplicator(ctx context.Context, logger *slog.Logger) (backup.Replicator, error) {
	cfg, enabled := offsite.ConfigFromEnv()
	if !enabled {
		return nil, nil
	}

	store, err := offsite.NewStore(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up off-host replication: %w", err)
	}

	return store, nil
}

// Recover prepares state left behind by a previous process: orphaned runs are
// cancelled and partial archives in every scheduled target directory are removed.
func (e *Engine) Recover(ctx context.Context) error {
	err := e.Orchestrator.Recover(ctx)
	if err != nil {
		return err
	}

	schedules, err := e.Scheduler.ListSchedules(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(schedules))

	for _, schedule := range schedules {
		if _, done := seen[schedule.TargetDir]; done {
			continue
		}

		seen[schedule.TargetDir] = struct{}{}

		_, err := e.Backups.Cleanup(ctx, schedule.TargetDir)
		if err != nil {
			e.Logger.WarnContext(ctx, "failed to clean partial archives", "dir", schedule.TargetDir, "error", err)
		}
	}

	return nil
}

// Close stops active runs and releases storage, the event bus and the tracer.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	if e.Orchestrator != nil {
		errs = append(errs, e.Orchestrator.Shutdown(ctx))
	}

	if e.EventBus != nil {
		errs = append(errs, e.EventBus.Close())
	}

	if e.Persistence != nil {
		errs = append(errs, e.Persistence.Close(ctx))
	}

	if e.shutdownTracer != nil {
		errs = append(errs, e.shutdownTracer(ctx))
	}

	return errors.Join(errs...)
}
