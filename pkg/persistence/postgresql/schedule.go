package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// ScheduleRepository keeps each schedule as a JSONB document.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

func (r *ScheduleRepository) GetAll(ctx context.Context) ([]*models.BackupSchedule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT data FROM backup_schedules ORDER BY id")
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "schedule", "", fmt.Errorf("failed to query schedules: %w", err))
	}

	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.BackupSchedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, persistence.NewStoreError("GetAll", "schedule", "", err)
		}

		schedules = append(schedules, schedule)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "schedule", "", fmt.Errorf("error iterating schedules: %w", err))
	}

	return schedules, nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.BackupSchedule, error) {
	schedule, err := scanSchedule(r.db.QueryRowContext(ctx, "SELECT data FROM backup_schedules WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "schedule", id, persistence.ErrScheduleNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "schedule", id, err)
	}

	return schedule, nil
}

func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.BackupSchedule) error {
	data, err := json.Marshal(schedule)
	if err != nil {
		return persistence.NewStoreError("Save", "schedule", schedule.ID, fmt.Errorf("failed to marshal schedule: %w", err))
	}

	query := `
		INSERT INTO backup_schedules (id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, schedule.ID, data, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("Save", "schedule", schedule.ID, fmt.Errorf("failed to save schedule: %w", err))
	}

	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM backup_schedules WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("Delete", "schedule", id, fmt.Errorf("failed to delete schedule: %w", err))
	}

	return requireAffected(result, "Delete", "schedule", id, persistence.ErrScheduleNotFound)
}

func scanSchedule(row scanner) (*models.BackupSchedule, error) {
	var data []byte

	err := row.Scan(&data)
	if err != nil {
		return nil, err
	}

	var schedule models.BackupSchedule

	err = json.Unmarshal(data, &schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}

	return &schedule, nil
}
