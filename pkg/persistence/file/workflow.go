package file

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
)

// WorkflowRepository handles workflow definition file operations.
type WorkflowRepository struct {
	store *jsonStore[models.WorkflowDefinition]
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{store: newJSONStore[models.WorkflowDefinition](root, "workflows", "workflow")}
}

// GetAll returns every stored definition sorted by name.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.WorkflowDefinition, error) {
	definitions, err := wr.store.all("GetAll")
	if err != nil {
		return nil, err
	}

	slices.SortFunc(definitions, func(a, b *models.WorkflowDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})

	return definitions, nil
}

// GetByName retrieves a workflow by its name from the file system.
func (wr *WorkflowRepository) GetByName(_ context.Context, name string) (*models.WorkflowDefinition, error) {
	return wr.store.get("GetByName", name, persistence.ErrWorkflowNotFound)
}

// Save saves a workflow definition to the file system, replacing any previous version.
func (wr *WorkflowRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	if definition.RegisteredAt.IsZero() {
		definition.RegisteredAt = time.Now().UTC()
	}

	return wr.store.put("Save", definition.Name, definition)
}

// Delete removes a workflow by its name.
func (wr *WorkflowRepository) Delete(_ context.Context, name string) error {
	return wr.store.remove("Delete", name, persistence.ErrWorkflowNotFound)
}
