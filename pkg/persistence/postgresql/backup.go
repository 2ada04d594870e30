package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// BackupRepository stores the backup manifest in the backup_records table.
type BackupRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewBackupRepository creates a new backup manifest repository.
func NewBackupRepository(db *sql.DB, logger *slog.Logger) *BackupRepository {
	return &BackupRepository{db: db, logger: logger}
}

const selectBackupSQL = `
	SELECT
		id
	  , created_at
	  , source_path
	  , storage_dir
	  , location
	  , size
	  , checksum
	  , head
	  , dirty
	  , excludes
	  , remote_key
	  , schedule_id
	FROM backup_records
`

func (r *BackupRepository) Save(ctx context.Context, record *models.BackupRecord) error {
	excludes := record.Excludes
	if excludes == nil {
		excludes = []string{}
	}

	encodedExcludes, err := json.Marshal(excludes)
	if err != nil {
		return persistence.NewStoreError("Save", "backup", record.ID, fmt.Errorf("failed to marshal excludes: %w", err))
	}

	query := `
		INSERT INTO backup_records
			(id, created_at, source_path, storage_dir, location, size, checksum, head, dirty, excludes, remote_key, schedule_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			location = EXCLUDED.location,
			remote_key = EXCLUDED.remote_key
	`

	_, err = r.db.ExecContext(ctx, query,
		record.ID, record.CreatedAt, record.SourcePath, filepath.Clean(record.StorageDir), record.Location,
		record.Size, record.Checksum, record.Head, record.Dirty, encodedExcludes, record.RemoteKey, record.ScheduleID)
	if err != nil {
		return persistence.NewStoreError("Save", "backup", record.ID, fmt.Errorf("failed to save backup record: %w", err))
	}

	return nil
}

func (r *BackupRepository) GetByID(ctx context.Context, id string) (*models.BackupRecord, error) {
	record, err := r.scanBackup(r.db.QueryRowContext(ctx, selectBackupSQL+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "backup", id, persistence.ErrBackupNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "backup", id, err)
	}

	return record, nil
}

func (r *BackupRepository) ListByStorageDir(ctx context.Context, dir string) ([]*models.BackupRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if dir == "" {
		rows, err = r.db.QueryContext(ctx, selectBackupSQL+" ORDER BY created_at DESC, id DESC")
	} else {
		rows, err = r.db.QueryContext(ctx, selectBackupSQL+" WHERE storage_dir = $1 ORDER BY created_at DESC, id DESC",
			filepath.Clean(dir))
	}

	if err != nil {
		return nil, persistence.NewStoreError("ListByStorageDir", "backup", dir, fmt.Errorf("failed to query backups: %w", err))
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.BackupRecord, 0)

	for rows.Next() {
		record, err := r.scanBackup(rows)
		if err != nil {
			return nil, persistence.NewStoreError("ListByStorageDir", "backup", dir, err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewStoreError("ListByStorageDir", "backup", dir, fmt.Errorf("error iterating backups: %w", err))
	}

	return records, nil
}

func (r *BackupRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM backup_records WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("Delete", "backup", id, fmt.Errorf("failed to delete backup record: %w", err))
	}

	return requireAffected(result, "Delete", "backup", id, persistence.ErrBackupNotFound)
}

func (r *BackupRepository) scanBackup(row scanner) (*models.BackupRecord, error) {
	var (
		record   models.BackupRecord
		excludes []byte
	)

	err := row.Scan(&record.ID, &record.CreatedAt, &record.SourcePath, &record.StorageDir, &record.Location,
		&record.Size, &record.Checksum, &record.Head, &record.Dirty, &excludes, &record.RemoteKey, &record.ScheduleID)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(excludes, &record.Excludes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal excludes: %w", err)
	}

	if len(record.Excludes) == 0 {
		record.Excludes = nil
	}

	record.CreatedAt = record.CreatedAt.UTC()

	return &record, nil
}
