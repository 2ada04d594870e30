package file

import (
	"context"
	"slices"
	"strings"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// ScheduleRepository handles backup schedule file operations.
type ScheduleRepository struct {
	store *jsonStore[models.BackupSchedule]
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(root string) *ScheduleRepository {
	return &ScheduleRepository{store: newJSONStore[models.BackupSchedule](root, "schedules", "schedule")}
}

// GetAll returns every schedule sorted by id.
func (sr *ScheduleRepository) GetAll(_ context.Context) ([]*models.BackupSchedule, error) {
	schedules, err := sr.store.all("GetAll")
	if err != nil {
		return nil, err
	}

	slices.SortFunc(schedules, func(a, b *models.BackupSchedule) int {
		return strings.Compare(a.ID, b.ID)
	})

	return schedules, nil
}

func (sr *ScheduleRepository) GetByID(_ context.Context, id string) (*models.BackupSchedule, error) {
	return sr.store.get("GetByID", id, persistence.ErrScheduleNotFound)
}

func (sr *ScheduleRepository) Save(_ context.Context, schedule *models.BackupSchedule) error {
	return sr.store.put("Save", schedule.ID, schedule)
}

func (sr *ScheduleRepository) Delete(_ context.Context, id string) error {
	return sr.store.remove("Delete", id, persistence.ErrScheduleNotFound)
}
