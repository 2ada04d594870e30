package file

import (
	"context"
	"path/filepath"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// BackupRepository stores the backup manifest, one document per record.
type BackupRepository struct {
	store *jsonStore[models.BackupRecord]
}

// NewBackupRepository creates a new backup manifest repository.
func NewBackupRepository(root string) *BackupRepository {
	return &BackupRepository{store: newJSONStore[models.BackupRecord](root, "backups", "backup")}
}

func (br *BackupRepository) Save(_ context.Context, record *models.BackupRecord) error {
	return br.store.put("Save", record.ID, record)
}

func (br *BackupRepository) GetByID(_ context.Context, id string) (*models.BackupRecord, error) {
	return br.store.get("GetByID", id, persistence.ErrBackupNotFound)
}

func (br *BackupRepository) ListByStorageDir(_ context.Context, dir string) ([]*models.BackupRecord, error) {
	records, err := br.store.all("ListByStorageDir")
	if err != nil {
		return nil, err
	}

	if dir != "" {
		dir = filepath.Clean(dir)
		filtered := records[:0]

		for _, record := range records {
			if filepath.Clean(record.StorageDir) == dir {
				filtered = append(filtered, record)
			}
		}

		records = filtered
	}

	models.SortBackupsNewestFirst(records)

	return records, nil
}

func (br *BackupRepository) Delete(_ context.Context, id string) error {
	return br.store.remove("Delete", id, persistence.ErrBackupNotFound)
}
