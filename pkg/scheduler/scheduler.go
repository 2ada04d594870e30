// Package scheduler drives periodic backups and retention pruning from one coordinating loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/metrics"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/otelhelper"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInterval is how often the loop checks for due schedules.
const DefaultInterval = time.Minute

// Action is what a tick did for one due schedule.
type Action string

const (
	// ActionCreated means a backup was created for the period.
	ActionCreated Action = "created"
	// ActionRecovered means a backup for the period already existed and the schedule caught up with it.
	ActionRecovered Action = "recovered"
	// ActionDeferred means the path was busy or storage failed; the next period will try again.
	ActionDeferred Action = "deferred"
	// ActionFailed means the backup could not be created for a non-transient reason.
	ActionFailed Action = "failed"
)

// Outcome reports the handling of one due schedule during a tick.
type Outcome struct {
	ScheduleID string
	Period     time.Time
	Action     Action
	BackupID   string
	Pruned     int
	Err        error
}

// Backupper is the part of the backup manager the scheduler drives.
type Backupper interface {
	CreateBackup(ctx context.Context, repoPath, destDir string, opts backup.CreateOptions) (*models.BackupRecord, error)
	ListBackups(ctx context.Context, destDir string) ([]*models.BackupRecord, error)
	PruneSchedule(ctx context.Context, destDir, scheduleID string, retentionDays int) ([]*models.BackupRecord, error)
}

// Scheduler evaluates every persisted schedule on each tick. Which periods have been
// handled is read from the store, never from memory, so restarts do not repeat a period
// and a long downtime produces a single catch-up backup.
type Scheduler struct {
	logger   *slog.Logger
	store    persistence.ScheduleRepository
	backups  Backupper
	clock    clockwork.Clock
	interval time.Duration
	tracer   trace.Tracer
	validate *validator.Validate

	tickMu sync.Mutex

	// scheduleMu serializes read-modify-write of stored schedules between the
	// tick and ScheduleBackup/RemoveSchedule.
	scheduleMu sync.Mutex

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithInterval sets the tick period of the loop started by Start.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.interval = interval }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

func NewScheduler(logger *slog.Logger, store persistence.ScheduleRepository, backups Backupper, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.With("module", "scheduler"),
		store:    store,
		backups:  backups,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		tracer:   otelhelper.NoopTracer(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScheduleBackup validates and stores a schedule. A schedule without an id gets one.
// Replacing an existing schedule keeps its history, so a changed definition does not
// trigger a second backup for a period already handled.
func (s *Scheduler) ScheduleBackup(ctx context.Context, schedule *models.BackupSchedule) (*models.BackupSchedule, error) {
	const op = "ScheduleBackup"

	if schedule == nil {
		return nil, services.NewValidationError(op, "schedule_nil", "schedule cannot be nil", nil)
	}

	candidate := schedule.Clone()
	now := s.clock.Now().UTC()

	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}

	err := s.Validate(candidate)
	if err != nil {
		return nil, err
	}

	candidate.RepoPath, err = filepath.Abs(candidate.RepoPath)
	if err == nil {
		candidate.TargetDir, err = filepath.Abs(candidate.TargetDir)
	}

	if err != nil {
		return nil, services.NewValidationError(op, "invalid_path", err.Error(), err)
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	existing, err := s.store.GetByID(ctx, candidate.ID)

	switch {
	case persistence.IsScheduleNotFound(err):
		candidate.CreatedAt = now
		candidate.LastRunAt = nil
		candidate.LastAttemptAt = nil
		candidate.LastBackupID = ""
		candidate.LastError = ""
	case err != nil:
		return nil, services.NewIOError(op, err)
	default:
		candidate.CreatedAt = existing.CreatedAt
		candidate.LastRunAt = existing.LastRunAt
		candidate.LastAttemptAt = existing.LastAttemptAt
		candidate.LastBackupID = existing.LastBackupID
		candidate.LastError = existing.LastError
	}

	candidate.UpdatedAt = now

	err = s.store.Save(ctx, candidate)
	if err != nil {
		return nil, services.NewIOError(op, err)
	}

	next, _ := candidate.NextDue(now)

	s.logger.InfoContext(ctx, "backup scheduled",
		"schedule_id", candidate.ID, "repo", candidate.RepoPath, "target", candidate.TargetDir,
		"frequency", candidate.Frequency, "retention_days", candidate.RetentionDays, "next_due", next)

	return candidate.Clone(), nil
}

// Validate checks a schedule without storing it.
func (s *Scheduler) Validate(schedule *models.BackupSchedule) error {
	const op = "ScheduleBackup"

	err := s.validate.Struct(schedule)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return services.NewValidationError(op, "invalid_schedule", describe(validationErrors), err)
		}

		return services.NewValidationError(op, "invalid_schedule", err.Error(), err)
	}

	_, err = schedule.NextDue(s.clock.Now())
	if err != nil {
		return services.NewValidationError(op, "invalid_schedule", err.Error(), err)
	}

	err = repository.ValidateExcludes(schedule.Excludes)
	if err != nil {
		return services.NewValidationError(op, "invalid_excludes", err.Error(), err)
	}

	return nil
}

func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*models.BackupSchedule, error) {
	schedule, err := s.store.GetByID(ctx, id)
	if err != nil {
		if persistence.IsScheduleNotFound(err) {
			return nil, services.NewNotFoundError("GetSchedule", "schedule", id)
		}

		return nil, services.NewIOError("GetSchedule", err)
	}

	return schedule, nil
}

// ListSchedules returns every schedule sorted by id.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*models.BackupSchedule, error) {
	schedules, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, services.NewIOError("ListSchedules", err)
	}

	slices.SortFunc(schedules, func(a, b *models.BackupSchedule) int {
		return strings.Compare(a.ID, b.ID)
	})

	return schedules, nil
}

// RemoveSchedule stops future backups of a schedule. Existing backups stay.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	s.scheduleMu.Lock()
	err := s.store.Delete(ctx, id)
	s.scheduleMu.Unlock()

	if err != nil {
		if persistence.IsScheduleNotFound(err) {
			return services.NewNotFoundError("RemoveSchedule", "schedule", id)
		}

		return services.NewIOError("RemoveSchedule", err)
	}

	s.logger.InfoContext(ctx, "schedule removed", "schedule_id", id)

	return nil
}

// Start runs an immediate tick, which performs any catch-up, then ticks every interval until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	s.started = true

	ticker := s.clock.NewTicker(s.interval)

	go s.loop(loopCtx, ticker, s.done)

	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval)

	return nil
}

// Stop ends the loop and waits for a tick in progress to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return nil
	}

	s.stop()
	done := s.done
	s.started = false
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "scheduler stopped")

	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick handles every schedule whose current period has not been handled yet.
// Schedules are processed one at a time in id order.
func (s *Scheduler) Tick(ctx context.Context) []Outcome {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now().UTC()

	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load schedules", "error", err)

		return nil
	}

	outcomes := make([]Outcome, 0)

	for _, listed := range schedules {
		if ctx.Err() != nil {
			break
		}

		// Earlier backups in this tick may have taken a while; act on the stored definition.
		schedule, err := s.store.GetByID(ctx, listed.ID)
		if err != nil {
			if !persistence.IsScheduleNotFound(err) {
				s.logger.ErrorContext(ctx, "failed to reload schedule", "schedule_id", listed.ID, "error", err)
			}

			continue
		}

		due, period, err := schedule.IsDue(now)
		if err != nil {
			s.logger.ErrorContext(ctx, "schedule cannot be evaluated", "schedule_id", schedule.ID, "error", err)

			continue
		}

		if !due {
			continue
		}

		outcome := s.runSchedule(ctx, schedule, period, now)
		metrics.RecordSchedulerTick(string(outcome.Action))

		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

func (s *Scheduler) runSchedule(ctx context.Context, schedule *models.BackupSchedule, period, now time.Time) Outcome {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.run",
		attribute.String(otelhelper.ScheduleIDKey, schedule.ID),
		attribute.String(otelhelper.SourcePathKey, schedule.RepoPath),
	)
	defer span.End()

	logger := s.logger.With("schedule_id", schedule.ID, "period", period)
	outcome := Outcome{ScheduleID: schedule.ID, Period: period}

	record, err := s.existingBackup(ctx, schedule, period)
	if err != nil {
		logger.WarnContext(ctx, "could not check for an existing backup", "error", err)
	}

	if record != nil {
		outcome.Action = ActionRecovered
		logger.InfoContext(ctx, "period already backed up", "backup_id", record.ID)
	} else {
		record, err = s.backups.CreateBackup(ctx, schedule.RepoPath, schedule.TargetDir, backup.CreateOptions{
			Excludes:   schedule.Excludes,
			ScheduleID: schedule.ID,
		})
	}

	if err != nil && record == nil {
		otelhelper.SetError(span, err)

		outcome.Err = err
		outcome.Action = ActionFailed

		if services.IsLockContention(err) || services.IsIOError(err) {
			outcome.Action = ActionDeferred
		}

		s.recordRun(ctx, logger, schedule.ID, func(current *models.BackupSchedule) {
			current.LastAttemptAt = &now
			current.LastError = err.Error()
		})

		logger.WarnContext(ctx, "scheduled backup not taken, waiting for next period", "action", outcome.Action, "error", err)

		return outcome
	}

	if outcome.Action == "" {
		outcome.Action = ActionCreated
	}

	outcome.BackupID = record.ID
	span.SetAttributes(attribute.String(otelhelper.BackupIDKey, record.ID))

	current := s.recordRun(ctx, logger, schedule.ID, func(current *models.BackupSchedule) {
		createdAt := record.CreatedAt
		current.LastAttemptAt = &now
		current.LastRunAt = &createdAt
		current.LastBackupID = record.ID
		current.LastError = ""
	})

	// A schedule removed while its backup ran keeps the backup but prunes nothing.
	if current != nil {
		pruned, err := s.backups.PruneSchedule(ctx, current.TargetDir, current.ID, current.RetentionDays)
		if err != nil {
			logger.WarnContext(ctx, "retention pruning failed", "error", err)
		}

		outcome.Pruned = len(pruned)
	}

	logger.InfoContext(ctx, "scheduled backup done", "backup_id", record.ID, "action", outcome.Action, "pruned", outcome.Pruned)

	return outcome
}

// existingBackup finds a backup this schedule took during period. It covers a crash
// between committing the archive and recording the schedule's last run. Manual backups
// and those of other schedules do not count.
func (s *Scheduler) existingBackup(ctx context.Context, schedule *models.BackupSchedule, period time.Time) (*models.BackupRecord, error) {
	records, err := s.backups.ListBackups(ctx, schedule.TargetDir)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.ScheduleID == schedule.ID && !record.CreatedAt.Before(period) {
			return record, nil
		}
	}

	return nil, nil
}

// recordRun re-reads the schedule and applies update to its run state only, so a
// definition replaced during the backup is kept. It returns the stored schedule, or nil
// when the schedule was removed meanwhile or could not be updated.
func (s *Scheduler) recordRun(ctx context.Context, logger *slog.Logger, id string, update func(*models.BackupSchedule)) *models.BackupSchedule {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		if persistence.IsScheduleNotFound(err) {
			logger.InfoContext(ctx, "schedule removed during backup, not recording run")
		} else {
			logger.ErrorContext(ctx, "failed to reload schedule", "error", err)
		}

		return nil
	}

	update(current)
	current.UpdatedAt = s.clock.Now().UTC()

	err = s.store.Save(ctx, current)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record schedule state", "error", err)

		return nil
	}

	return current
}

func describe(validationErrors validator.ValidationErrors) string {
	messages := make([]string, 0, len(validationErrors))

	for _, fieldErr := range validationErrors {
		field := strings.TrimPrefix(fieldErr.Namespace(), "BackupSchedule.")

		if fieldErr.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", field, fieldErr.Tag(), fieldErr.Param()))
		} else {
			messages = append(messages, fmt.Sprintf("%s failed %s", field, fieldErr.Tag()))
		}
	}

	return strings.Join(messages, "; ")
}
