package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/repokeeper/pkg/eventbus"
	"github.com/dukex/repokeeper/pkg/events"
	"github.com/dukex/repokeeper/pkg/metrics"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/otelhelper"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/registry"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrShuttingDown is returned by Dispatch once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator turns a registered workflow and an event into a run whose matching
// steps execute strictly in declared order. Each run executes on its own goroutine,
// so distinct runs (even of the same workflow) proceed concurrently.
type Orchestrator struct {
	logger    *slog.Logger
	registry  *registry.Registry
	tracker   *Tracker
	runner    StepRunner
	publisher eventbus.EventPublisher
	tracer    trace.Tracer
	workDir   string

	mu       sync.Mutex
	active   map[string]*activeRun
	closing  bool
	inFlight sync.WaitGroup
}

type Option func(*Orchestrator)

// WithPublisher publishes run lifecycle events. Publishing failures are logged, never fatal.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithWorkDir sets the directory steps run in; it defaults to the process working directory.
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

func NewOrchestrator(logger *slog.Logger, reg *registry.Registry, tracker *Tracker, runner StepRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger.With("module", "orchestrator"),
		registry: reg,
		tracker:  tracker,
		runner:   runner,
		tracer:   otelhelper.NoopTracer(),
		active:   make(map[string]*activeRun),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Dispatch starts a run of workflow name for event and returns its id as soon as the
// run is recorded. The run executes in the background; poll GetRun or call Wait.
func (o *Orchestrator) Dispatch(ctx context.Context, name, event string) (string, error) {
	definition, err := o.registry.Lookup(name)
	if err != nil {
		return "", err
	}

	if !definition.DeclaresEvent(event) {
		return "", services.NewUnsupportedEventError("Dispatch", name, event)
	}

	return o.start(ctx, definition, event)
}

// DispatchEvent starts one run for every registered workflow that declares event.
// A workflow that fails to start does not prevent the others.
func (o *Orchestrator) DispatchEvent(ctx context.Context, event string) ([]string, error) {
	var (
		runIDs []string
		errs   []error
	)

	for _, definition := range o.registry.ForEvent(event) {
		runID, err := o.start(ctx, definition, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", definition.Name, err))

			continue
		}

		runIDs = append(runIDs, runID)
	}

	return runIDs, errors.Join(errs...)
}

func (o *Orchestrator) start(ctx context.Context, definition *models.WorkflowDefinition, event string) (string, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.dispatch",
		attribute.String(otelhelper.WorkflowNameKey, definition.Name),
		attribute.String(otelhelper.EventKey, event),
	)
	defer span.End()

	id, err := uuid.NewV7()
	if err != nil {
		otelhelper.SetError(span, err)

		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	run := &models.WorkflowRun{
		ID:           id.String(),
		WorkflowName: definition.Name,
		Event:        event,
		Status:       models.RunStatusPending,
		StepResults:  []models.StepResult{},
		StartedAt:    time.Now().UTC(),
	}

	span.SetAttributes(attribute.String(otelhelper.RunIDKey, run.ID))

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()

		return "", ErrShuttingDown
	}

	// Runs outlive the dispatching request.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	handle := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.active[run.ID] = handle
	o.inFlight.Add(1)
	o.mu.Unlock()

	err = o.tracker.Persist(ctx, run)
	if err != nil {
		o.forget(run.ID, handle)
		cancel(err)
		otelhelper.SetError(span, err)

		return "", err
	}

	o.logger.InfoContext(ctx, "run dispatched", "run_id", run.ID, "workflow", definition.Name, "event", event)

	go o.execute(runCtx, handle, definition, run)

	return run.ID, nil
}

func (o *Orchestrator) forget(runID string, handle *activeRun) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()

	close(handle.done)
	o.inFlight.Done()
}

func (o *Orchestrator) execute(ctx context.Context, handle *activeRun, definition *models.WorkflowDefinition, run *models.WorkflowRun) {
	defer o.forget(run.ID, handle)

	logger := o.logger.With("run_id", run.ID, "workflow", run.WorkflowName, "event", run.Event)
	steps := definition.StepsFor(run.Event)

	if ctx.Err() != nil {
		MarkCancelled(run, context.Cause(ctx).Error(), steps)
		o.finish(ctx, logger, run)

		return
	}

	run.Status = models.RunStatusRunning

	err := o.tracker.Persist(ctx, run)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record run start", "error", err)
	}

	metrics.RecordRunStarted()
	o.publish(ctx, run.ID, events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent),
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Event:        run.Event,
	})

	run.Status = models.RunStatusSucceeded

	for i, step := range steps {
		if ctx.Err() != nil {
			MarkCancelled(run, context.Cause(ctx).Error(), steps[i:])

			break
		}

		result := o.runStep(ctx, logger, run, step)
		run.StepResults = append(run.StepResults, result)

		if result.Outcome == models.StepOutcomeSucceeded {
			o.checkpoint(ctx, logger, run)

			continue
		}

		if ctx.Err() != nil {
			MarkCancelled(run, context.Cause(ctx).Error(), steps[i+1:])

			break
		}

		run.Status = models.RunStatusFailed
		run.Error = fmt.Sprintf("step %s %s", step.Name, result.Outcome)

		for _, skipped := range steps[i+1:] {
			run.StepResults = append(run.StepResults, models.StepResult{StepName: skipped.Name, Outcome: models.StepOutcomeSkipped})
			metrics.RecordStep(run.WorkflowName, string(models.StepOutcomeSkipped), 0)
		}

		break
	}

	if run.FinishedAt == nil {
		finished := time.Now().UTC()
		run.FinishedAt = &finished
	}

	o.finish(ctx, logger, run)
	metrics.RecordRunFinished(run.WorkflowName, string(run.Status), run.Duration())
}

// checkpoint persists progress while the run is still running.
func (o *Orchestrator) checkpoint(ctx context.Context, logger *slog.Logger, run *models.WorkflowRun) {
	progress := run.Clone()
	progress.Status = models.RunStatusRunning

	err := o.tracker.Persist(ctx, progress)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record step progress", "error", err)
	}
}

func (o *Orchestrator) runStep(ctx context.Context, logger *slog.Logger, run *models.WorkflowRun, step models.Step) models.StepResult {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.step",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.StepNameKey, step.Name),
	)
	defer span.End()

	logger.InfoContext(ctx, "step started", "step", step.Name)

	result := o.runner.Run(ctx, step, o.workDir)

	span.SetAttributes(attribute.String(otelhelper.StepOutcomeKey, string(result.Outcome)))
	metrics.RecordStep(run.WorkflowName, string(result.Outcome), result.Duration)

	if result.Outcome != models.StepOutcomeSucceeded {
		otelhelper.SetError(span, fmt.Errorf("%w: step %s %s", services.ErrExecution, step.Name, result.Outcome))
		logger.WarnContext(ctx, "step did not succeed",
			"step", step.Name, "outcome", result.Outcome, "duration", result.Duration, "error", result.Error)
	} else {
		logger.InfoContext(ctx, "step succeeded", "step", step.Name, "duration", result.Duration)
	}

	return result
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, run *models.WorkflowRun) {
	err := o.tracker.Persist(ctx, run)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record run result", "status", run.Status, "error", err)
	}

	logger.InfoContext(ctx, "run finished", "status", run.Status, "duration", run.Duration())

	o.publish(ctx, run.ID, events.RunFinished{
		BaseEvent:    events.NewBaseEvent(events.RunFinishedEvent),
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Event:        run.Event,
		Status:       string(run.Status),
		Duration:     run.Duration(),
		Error:        run.Error,
	})
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, key, event)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// GetRun returns the current snapshot of a run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return o.tracker.Get(ctx, runID)
}

// ListRuns returns run history, most recent first.
func (o *Orchestrator) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	return o.tracker.List(ctx, opts)
}

// Wait blocks until the run is terminal or ctx is done, then returns its snapshot.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	o.mu.Lock()
	handle, running := o.active[runID]
	o.mu.Unlock()

	if running {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.tracker.Get(ctx, runID)
}

// Cancel interrupts a run. The executing step gets SIGTERM and, after the grace period,
// SIGKILL; it is recorded failed and the remaining steps skipped. Cancelling a terminal
// run is a no-op. Cancel does not wait for the run to stop; use Wait.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	handle, running := o.active[runID]
	o.mu.Unlock()

	if running {
		o.logger.InfoContext(ctx, "cancelling run", "run_id", runID)
		handle.cancel(ErrRunCancelled)

		return nil
	}

	run, err := o.tracker.Get(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return nil
	}

	// Not owned by this process; nothing is executing it.
	MarkCancelled(run, ErrRunCancelled.Error(), nil)

	return o.tracker.Persist(ctx, run)
}

// Recover marks runs orphaned by a previous process as cancelled.
func (o *Orchestrator) Recover(ctx context.Context) error {
	count, err := o.tracker.RecoverOrphans(ctx)
	if err != nil {
		return err
	}

	if count > 0 {
		o.logger.InfoContext(ctx, "recovered orphaned runs", "count", count)
	}

	return nil
}

// Shutdown stops accepting dispatches, cancels every active run and waits for them
// to record their final state or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true

	for _, handle := range o.active {
		handle.cancel(ErrShuttingDown)
	}
	o.mu.Unlock()

	done := make(chan struct{})

	go func() {
		o.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
