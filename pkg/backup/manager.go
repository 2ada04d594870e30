// Package backup creates, lists, prunes and restores checksummed archives of a repository tree.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/repokeeper/pkg/eventbus"
	"github.com/dukex/repokeeper/pkg/events"
	"github.com/dukex/repokeeper/pkg/metrics"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/otelhelper"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/repository"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	idLayout = "20060102T150405.000Z"

	partialPattern = ".repokeeper-*.partial"

	DefaultMaxRetries      = 3
	DefaultInitialInterval = 500 * time.Millisecond
)

// Replicator copies committed archives off the host. Failures never affect local records.
type Replicator interface {
	Upload(ctx context.Context, record *models.BackupRecord, archivePath string) (string, error)
	Download(ctx context.Context, key string, w io.Writer) error
	Remove(ctx context.Context, key string) error
}

// CreateOptions tunes a single backup.
type CreateOptions struct {
	// Excludes are .dockerignore style patterns relative to the repository root.
	Excludes []string
	// ScheduleID links the backup to the schedule that produced it.
	ScheduleID string
}

// Manager owns the archives in backup storage directories and their manifest records.
type Manager struct {
	logger     *slog.Logger
	repo       repository.Operations
	store      persistence.BackupRepository
	locks      *PathLocker
	clock      clockwork.Clock
	tracer     trace.Tracer
	publisher  eventbus.EventPublisher
	replicator Replicator

	// partials holds temp archives currently being written.
	partials sync.Map

	maxRetries      uint64
	initialInterval time.Duration
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLocker shares path locks with other managers working on the same host.
func WithLocker(locks *PathLocker) Option {
	return func(m *Manager) { m.locks = locks }
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(m *Manager) { m.publisher = publisher }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

func WithReplicator(replicator Replicator) Option {
	return func(m *Manager) { m.replicator = replicator }
}

// WithRetry bounds the retries of transient IO failures during backup creation.
func WithRetry(maxRetries uint64, initialInterval time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.initialInterval = initialInterval
	}
}

func NewManager(logger *slog.Logger, repo repository.Operations, store persistence.BackupRepository, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger.With("module", "backup_manager"),
		repo:            repo,
		store:           store,
		locks:           NewPathLocker(),
		clock:           clockwork.NewRealClock(),
		tracer:          otelhelper.NoopTracer(),
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Locker() *PathLocker {
	return m.locks
}

// CreateBackup archives repoPath into destDir. The record is saved only after the
// archive has been written, synced and renamed into place, so a crash leaves at most
// a hidden partial file that Cleanup removes. Transient IO failures are retried with
// exponential backoff; when retries run out no record exists.
func (m *Manager) CreateBackup(ctx context.Context, repoPath, destDir string, opts CreateOptions) (*models.BackupRecord, error) {
	const op = "CreateBackup"

	started := m.clock.Now()

	source, dest, err := absPaths(op, repoPath, destDir)
	if err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "backup.create",
		attribute.String(otelhelper.SourcePathKey, source),
		attribute.String(otelhelper.TargetPathKey, dest),
	)
	defer span.End()

	record, err := m.create(ctx, source, dest, opts)
	metrics.RecordBackup(err, recordSize(record), m.clock.Since(started))

	if err != nil {
		otelhelper.SetError(span, err)
		m.logger.ErrorContext(ctx, "backup failed", "source", source, "storage_dir", dest, "error", err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.BackupIDKey, record.ID))

	m.logger.InfoContext(ctx, "backup created",
		"backup_id", record.ID, "source", source, "size", record.Size, "checksum", record.Checksum)

	m.publish(ctx, record.ID, events.BackupCreated{
		BaseEvent:  events.NewBaseEvent(events.BackupCreatedEvent),
		BackupID:   record.ID,
		SourcePath: record.SourcePath,
		StorageDir: record.StorageDir,
		Size:       record.Size,
		Checksum:   record.Checksum,
		ScheduleID: opts.ScheduleID,
	})

	return record, nil
}

func (m *Manager) create(ctx context.Context, source, dest string, opts CreateOptions) (*models.BackupRecord, error) {
	const op = "CreateBackup"

	err := repository.ValidateExcludes(opts.Excludes)
	if err != nil {
		return nil, services.NewValidationError(op, "invalid_excludes", err.Error(), err)
	}

	release, err := m.locks.TryLock(source, op)
	if err != nil {
		return nil, err
	}
	defer release()

	excludes := opts.Excludes

	// Storage inside the tree would archive earlier archives.
	if rel, err := filepath.Rel(source, dest); err == nil && filepath.IsLocal(rel) {
		excludes = append(excludes[:len(excludes):len(excludes)], filepath.ToSlash(rel))
	}

	status, err := m.repo.Status(ctx, source)
	if err != nil {
		m.logger.WarnContext(ctx, "could not read repository status", "source", source, "error", err)

		status = &repository.Status{}
	}

	base := &models.BackupRecord{
		SourcePath: source,
		StorageDir: dest,
		Head:       status.Head,
		Dirty:      status.Dirty,
		Excludes:   opts.Excludes,
		ScheduleID: opts.ScheduleID,
	}

	var record *models.BackupRecord

	attempt := func() error {
		var err error

		record, err = m.commit(ctx, base, excludes)

		return err
	}

	notify := func(err error, wait time.Duration) {
		m.logger.WarnContext(ctx, "retrying backup", "source", source, "error", err, "wait", wait)
	}

	err = backoff.RetryNotify(attempt, m.retryPolicy(ctx), notify)
	if err != nil {
		var serviceErr *services.ServiceError
		if errors.As(err, &serviceErr) {
			return nil, err
		}

		return nil, services.NewIOError(op, err)
	}

	m.replicate(ctx, record)

	return record, nil
}

func (m *Manager) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialInterval
	policy.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(policy, m.maxRetries), ctx)
}

// commit runs one attempt: read, archive to a temp file, promote, record.
// Errors that retrying cannot fix are returned as permanent.
func (m *Manager) commit(ctx context.Context, base *models.BackupRecord, excludes []string) (*models.BackupRecord, error) {
	const op = "CreateBackup"

	snapshot, err := m.repo.ReadTree(ctx, base.SourcePath, excludes)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPathNotFound), errors.Is(err, repository.ErrNotDirectory):
			return nil, backoff.Permanent(services.NewValidationError(op, "invalid_source", err.Error(), err))
		case errors.Is(err, repository.ErrInvalidExcludes):
			return nil, backoff.Permanent(services.NewValidationError(op, "invalid_excludes", err.Error(), err))
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		}

		return nil, fmt.Errorf("failed to read repository tree: %w", err)
	}

	err = os.MkdirAll(base.StorageDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(base.StorageDir, partialPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}

	promoted := false

	m.partials.Store(tmp.Name(), struct{}{})

	defer func() {
		m.partials.Delete(tmp.Name())

		if !promoted {
			_ = os.Remove(tmp.Name())
		}
	}()

	hash := sha256.New()
	counter := &countingWriter{}

	err = writeArchive(ctx, io.MultiWriter(tmp, hash, counter), snapshot)
	if err == nil {
		err = tmp.Sync()
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	record := base.Clone()
	record.CreatedAt = m.clock.Now().UTC()
	record.Checksum = hex.EncodeToString(hash.Sum(nil))
	record.Size = counter.n
	record.ID = backupID(record)
	record.Location = filepath.Join(base.StorageDir, record.ID+ArchiveExtension)

	err = os.Rename(tmp.Name(), record.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to promote archive: %w", err)
	}

	promoted = true

	err = syncDir(base.StorageDir)
	if err == nil {
		err = m.store.Save(ctx, record)
	}

	if err != nil {
		_ = os.Remove(record.Location)

		return nil, fmt.Errorf("failed to commit backup %s: %w", record.ID, err)
	}

	return record, nil
}

func (m *Manager) replicate(ctx context.Context, record *models.BackupRecord) {
	if m.replicator == nil {
		return
	}

	key, err := m.replicator.Upload(ctx, record, record.Location)
	if err != nil {
		m.logger.WarnContext(ctx, "off-host replication failed", "backup_id", record.ID, "error", err)

		return
	}

	record.RemoteKey = key

	err = m.store.Save(ctx, record)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record replica", "backup_id", record.ID, "error", err)
	}
}

// GetBackup returns the record of a committed backup.
func (m *Manager) GetBackup(ctx context.Context, id string) (*models.BackupRecord, error) {
	record, err := m.store.GetByID(ctx, id)
	if err != nil {
		if persistence.IsBackupNotFound(err) {
			return nil, services.NewNotFoundError("GetBackup", "backup", id)
		}

		return nil, services.NewIOError("GetBackup", err)
	}

	return record, nil
}

// Backups yields the records stored in destDir, most recent first. Each iteration
// reads the manifest afresh, so the sequence can be ranged over repeatedly.
func (m *Manager) Backups(ctx context.Context, destDir string) iter.Seq2[*models.BackupRecord, error] {
	return func(yield func(*models.BackupRecord, error) bool) {
		records, err := m.ListBackups(ctx, destDir)
		if err != nil {
			yield(nil, err)

			return
		}

		for _, record := range records {
			if !yield(record, nil) {
				return
			}
		}
	}
}

// ListBackups returns the records stored in destDir, most recent first.
// An empty destDir lists every record.
func (m *Manager) ListBackups(ctx context.Context, destDir string) ([]*models.BackupRecord, error) {
	dir := destDir
	if dir != "" {
		abs, err := filepath.Abs(destDir)
		if err != nil {
			return nil, services.NewValidationError("ListBackups", "invalid_path", err.Error(), err)
		}

		dir = abs
	}

	records, err := m.store.ListByStorageDir(ctx, dir)
	if err != nil {
		return nil, services.NewIOError("ListBackups", err)
	}

	models.SortBackupsNewestFirst(records)

	return records, nil
}

// DeleteBackup removes a record, then its archive and replica.
func (m *Manager) DeleteBackup(ctx context.Context, id string) error {
	record, err := m.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	release, err := m.locks.TryLock(record.Location, "DeleteBackup")
	if err != nil {
		return err
	}
	defer release()

	return m.remove(ctx, record)
}

func (m *Manager) remove(ctx context.Context, record *models.BackupRecord) error {
	err := m.store.Delete(ctx, record.ID)
	if err != nil && !persistence.IsBackupNotFound(err) {
		return services.NewIOError("DeleteBackup", err)
	}

	err = os.Remove(record.Location)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.WarnContext(ctx, "failed to remove archive", "backup_id", record.ID, "path", record.Location, "error", err)
	}

	if m.replicator != nil && record.RemoteKey != "" {
		err = m.replicator.Remove(ctx, record.RemoteKey)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to remove replica", "backup_id", record.ID, "key", record.RemoteKey, "error", err)
		}
	}

	return nil
}

// Prune deletes the backups of sourcePath in destDir whose age is at least
// retentionDays days. The newest backup is always kept, however old, so a
// source that stopped changing still has something to restore. Backups being
// restored are skipped. Zero retention keeps everything.
func (m *Manager) Prune(ctx context.Context, destDir, sourcePath string, retentionDays int) ([]*models.BackupRecord, error) {
	const op = "Prune"

	if retentionDays <= 0 {
		return []*models.BackupRecord{}, nil
	}

	source, dest, err := absPaths(op, sourcePath, destDir)
	if err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "backup.prune",
		attribute.String(otelhelper.SourcePathKey, source),
		attribute.String(otelhelper.TargetPathKey, dest),
	)
	defer span.End()

	pruned, err := m.prune(ctx, dest, retentionDays, func(record *models.BackupRecord) bool {
		return record.SourcePath == source
	})
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return pruned, err
}

// PruneSchedule applies retention to the backups one schedule produced in destDir.
// Manual backups and those of other schedules sharing the directory are left alone.
func (m *Manager) PruneSchedule(ctx context.Context, destDir, scheduleID string, retentionDays int) ([]*models.BackupRecord, error) {
	const op = "PruneSchedule"

	if retentionDays <= 0 {
		return []*models.BackupRecord{}, nil
	}

	if scheduleID == "" {
		return nil, services.NewValidationError(op, "schedule_id_required", "schedule id is required", nil)
	}

	dest, err := filepath.Abs(destDir)
	if err != nil {
		return nil, services.NewValidationError(op, "invalid_path", err.Error(), err)
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "backup.prune",
		attribute.String(otelhelper.TargetPathKey, dest),
		attribute.String(otelhelper.ScheduleIDKey, scheduleID),
	)
	defer span.End()

	pruned, err := m.prune(ctx, dest, retentionDays, func(record *models.BackupRecord) bool {
		return record.ScheduleID == scheduleID
	})
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return pruned, err
}

// prune walks the records of dest newest first and removes the expired ones that match,
// always keeping the newest match.
func (m *Manager) prune(ctx context.Context, dest string, retentionDays int, match func(*models.BackupRecord) bool) ([]*models.BackupRecord, error) {
	const op = "Prune"

	records, err := m.ListBackups(ctx, dest)
	if err != nil {
		return nil, err
	}

	cutoff := m.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	pruned := make([]*models.BackupRecord, 0)
	kept := 0

	for _, record := range records {
		if !match(record) {
			continue
		}

		kept++

		if kept == 1 || record.CreatedAt.After(cutoff) {
			continue
		}

		release, err := m.locks.TryLock(record.Location, op)
		if err != nil {
			m.logger.InfoContext(ctx, "skipping backup in use", "backup_id", record.ID)

			continue
		}

		err = m.remove(ctx, record)

		release()

		if err != nil {
			return pruned, err
		}

		pruned = append(pruned, record)

		m.publish(ctx, record.ID, events.BackupPruned{
			BaseEvent:  events.NewBaseEvent(events.BackupPrunedEvent),
			BackupID:   record.ID,
			SourcePath: record.SourcePath,
			StorageDir: record.StorageDir,
			CreatedAt:  record.CreatedAt,
		})
	}

	metrics.RecordPruned(len(pruned))

	if len(pruned) > 0 {
		m.logger.InfoContext(ctx, "pruned backups", "storage_dir", dest, "count", len(pruned))
	}

	return pruned, nil
}

// Cleanup removes partial archives left in destDir by an interrupted backup.
func (m *Manager) Cleanup(ctx context.Context, destDir string) (int, error) {
	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return 0, services.NewValidationError("Cleanup", "invalid_path", err.Error(), err)
	}

	matches, err := filepath.Glob(filepath.Join(destDir, partialPattern))
	if err != nil {
		return 0, services.NewIOError("Cleanup", err)
	}

	removed := 0

	for _, path := range matches {
		if _, writing := m.partials.Load(path); writing {
			continue
		}

		err := os.Remove(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, services.NewIOError("Cleanup", err)
		}

		removed++
	}

	if removed > 0 {
		m.logger.InfoContext(ctx, "removed partial archives", "storage_dir", destDir, "count", removed)
	}

	return removed, nil
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	err := m.publisher.Publish(ctx, key, event)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func absPaths(op, source, dest string) (string, string, error) {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(dest) == "" {
		return "", "", services.NewValidationError(op, "missing_path", "source and destination paths are required", nil)
	}

	absSource, err := filepath.Abs(source)
	if err != nil {
		return "", "", services.NewValidationError(op, "invalid_path", err.Error(), err)
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", "", services.NewValidationError(op, "invalid_path", err.Error(), err)
	}

	return absSource, absDest, nil
}

// backupID names a backup by creation time plus a fingerprint of its content, source and
// storage. Two ids only collide for the same archive of the same source in the same place.
func backupID(record *models.BackupRecord) string {
	fingerprint := sha256.Sum256([]byte(record.Checksum + "\x00" + record.SourcePath + "\x00" + record.StorageDir +
		"\x00" + record.ScheduleID))

	return record.CreatedAt.Format(idLayout) + "-" + hex.EncodeToString(fingerprint[:4])
}

func recordSize(record *models.BackupRecord) int64 {
	if record == nil {
		return 0
	}

	return record.Size
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))

	return len(p), nil
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer handle.Close()

	err = handle.Sync()
	if err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}

	return nil
}
