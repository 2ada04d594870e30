package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dukex/repokeeper/pkg/metrics"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/otelhelper"
	"github.com/dukex/repokeeper/pkg/services"
	"go.opentelemetry.io/otel/attribute"
)

// Restore re-materializes backup id at targetPath. The archive checksum is verified
// before the target is touched. A non-empty target is replaced only when force is set.
// Extraction happens in a sibling directory that is swapped in with renames, so a
// failure leaves the previous target in place.
func (m *Manager) Restore(ctx context.Context, id, targetPath string, force bool) (err error) {
	const op = "Restore"

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "backup.restore",
		attribute.String(otelhelper.BackupIDKey, id),
		attribute.String(otelhelper.TargetPathKey, targetPath),
	)
	defer span.End()

	defer func() {
		metrics.RecordRestore(err)

		if err != nil {
			otelhelper.SetError(span, err)
			m.logger.ErrorContext(ctx, "restore failed", "backup_id", id, "target", targetPath, "error", err)
		}
	}()

	if targetPath == "" {
		return services.NewValidationError(op, "missing_path", "target path is required", nil)
	}

	target, err := filepath.Abs(targetPath)
	if err != nil {
		return services.NewValidationError(op, "invalid_path", err.Error(), err)
	}

	record, err := m.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	if rel, relErr := filepath.Rel(target, record.Location); relErr == nil && filepath.IsLocal(rel) {
		return services.NewValidationError(op, "target_contains_storage",
			fmt.Sprintf("restore target %s contains the backup storage directory", target), nil)
	}

	releaseTarget, err := m.locks.TryLock(target, op)
	if err != nil {
		return err
	}
	defer releaseTarget()

	releaseArchive, err := m.locks.TryLock(record.Location, op)
	if err != nil {
		return err
	}
	defer releaseArchive()

	archive, cleanup, err := m.localArchive(ctx, record)
	if err != nil {
		return err
	}
	defer cleanup()

	checksum, err := checksumFile(archive)
	if err != nil {
		return services.NewIOError(op, err)
	}

	if checksum != record.Checksum {
		return services.NewIOError(op, fmt.Errorf("%w: backup %s expected %s, got %s",
			ErrChecksumMismatch, record.ID, record.Checksum, checksum))
	}

	exists, err := targetInUse(target)
	if err != nil {
		return services.NewIOError(op, err)
	}

	if exists && !force {
		return services.NewConflictError(op, fmt.Sprintf("restore target %s is not empty", target))
	}

	err = m.extractAndSwap(ctx, archive, target)
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "backup restored", "backup_id", record.ID, "target", target, "forced", exists)

	return nil
}

// localArchive returns a readable path for the archive, downloading the replica
// into the storage directory when the local copy is gone.
func (m *Manager) localArchive(ctx context.Context, record *models.BackupRecord) (string, func(), error) {
	const op = "Restore"

	_, err := os.Stat(record.Location)
	if err == nil {
		return record.Location, func() {}, nil
	}

	if !errors.Is(err, fs.ErrNotExist) || m.replicator == nil || record.RemoteKey == "" {
		return "", nil, services.NewIOError(op, fmt.Errorf("archive for backup %s unavailable: %w", record.ID, err))
	}

	m.logger.InfoContext(ctx, "local archive missing, fetching replica", "backup_id", record.ID, "key", record.RemoteKey)

	tmp, err := os.CreateTemp(record.StorageDir, partialPattern)
	if err != nil {
		return "", nil, services.NewIOError(op, err)
	}

	remove := func() { _ = os.Remove(tmp.Name()) }

	err = m.replicator.Download(ctx, record.RemoteKey, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		remove()

		return "", nil, services.NewIOError(op, fmt.Errorf("failed to fetch replica of %s: %w", record.ID, err))
	}

	return tmp.Name(), remove, nil
}

// errExchangeUnsupported reports that the platform or filesystem cannot swap two paths atomically.
var errExchangeUnsupported = errors.New("atomic exchange not supported")

// extractAndSwap extracts archive next to target and moves it into place. An existing
// target is swapped atomically where renameat2(RENAME_EXCHANGE) is available. Elsewhere
// the swap is two renames: a crash between them leaves target missing, with the old
// content kept in the sibling ".restore-<name>-*.previous" directory.
func (m *Manager) extractAndSwap(ctx context.Context, archive, target string) error {
	const op = "Restore"

	parent := filepath.Dir(target)

	err := os.MkdirAll(parent, 0o755)
	if err != nil {
		return services.NewIOError(op, err)
	}

	staging, err := os.MkdirTemp(parent, ".restore-"+filepath.Base(target)+"-*")
	if err != nil {
		return services.NewIOError(op, err)
	}

	swapped := false

	defer func() {
		if !swapped {
			_ = os.RemoveAll(staging)
		}
	}()

	file, err := os.Open(archive)
	if err != nil {
		return services.NewIOError(op, err)
	}

	err = extractArchive(ctx, file, staging)
	_ = file.Close()

	if err == nil {
		err = os.Chmod(staging, 0o755)
	}

	if err != nil {
		return services.NewIOError(op, fmt.Errorf("extraction failed, target untouched: %w", err))
	}

	_, err = os.Lstat(target)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = os.Rename(staging, target)
		if err != nil {
			return services.NewIOError(op, err)
		}
	case err != nil:
		return services.NewIOError(op, err)
	default:
		err = exchange(staging, target)
		if err == nil {
			swapped = true

			err = os.RemoveAll(staging)
			if err != nil {
				m.logger.WarnContext(ctx, "failed to remove replaced target", "path", staging, "error", err)
			}

			break
		}

		if !errors.Is(err, errExchangeUnsupported) {
			return services.NewIOError(op, err)
		}

		previous := staging + ".previous"

		err = os.Rename(target, previous)
		if err != nil {
			return services.NewIOError(op, err)
		}

		err = os.Rename(staging, target)
		if err != nil {
			rollbackErr := os.Rename(previous, target)

			return services.NewIOError(op, errors.Join(err, rollbackErr))
		}

		err = os.RemoveAll(previous)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to remove replaced target", "path", previous, "error", err)
		}
	}

	swapped = true

	err = syncDir(parent)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to sync restore parent", "path", parent, "error", err)
	}

	return nil
}

// targetInUse reports whether target exists as anything other than an empty directory.
func targetInUse(target string) (bool, error) {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if !info.IsDir() {
		return true, nil
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return false, err
	}

	return len(entries) > 0, nil
}
