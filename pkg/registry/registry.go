// Package registry holds the named workflow definitions known to a process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/go-playground/validator/v10"
)

// Registry is an explicit, process-owned table of workflow definitions.
// When a store is configured every change is written through before the
// in-memory table is updated.
type Registry struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	validate  *validator.Validate
	store     persistence.WorkflowRepository
	workflows map[string]*models.WorkflowDefinition
}

// NewRegistry creates an empty registry. store may be nil for a memory-only registry.
func NewRegistry(log *slog.Logger, store persistence.WorkflowRepository) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		store:     store,
		workflows: make(map[string]*models.WorkflowDefinition),
	}
}

// Load replaces the in-memory table with the definitions held by the store.
// Stored definitions that no longer validate are skipped and logged.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	definitions, err := r.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}

	loaded := make(map[string]*models.WorkflowDefinition, len(definitions))

	for _, definition := range definitions {
		err := r.Validate(definition)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping invalid stored workflow", "workflow", definition.Name, "error", err)

			continue
		}

		loaded[definition.Name] = definition
	}

	r.mu.Lock()
	r.workflows = loaded
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "workflow definitions loaded", "count", len(loaded))

	return nil
}

// Validate checks a definition without registering it.
func (r *Registry) Validate(definition *models.WorkflowDefinition) error {
	const op = "Register"

	if definition == nil {
		return services.NewValidationError(op, "workflow_nil", "workflow definition cannot be nil", nil)
	}

	err := r.validate.Struct(definition)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return services.NewValidationError(op, "invalid_definition", describe(validationErrors), err)
		}

		return services.NewValidationError(op, "invalid_definition", err.Error(), err)
	}

	seen := make(map[string]struct{}, len(definition.Steps))

	for _, step := range definition.Steps {
		if _, dup := seen[step.Name]; dup {
			return services.NewValidationError(op, "duplicate_step",
				fmt.Sprintf("step name %q is used more than once", step.Name), nil)
		}

		seen[step.Name] = struct{}{}

		if !definition.DeclaresEvent(step.Event) {
			return services.NewValidationError(op, "undeclared_step_event",
				fmt.Sprintf("step %q fires on %q which is not in the workflow events", step.Name, step.Event), nil)
		}
	}

	return nil
}

// Register adds or replaces a definition. Re-registering an identical definition is a no-op;
// replacing a different one requires overwrite.
func (r *Registry) Register(ctx context.Context, definition *models.WorkflowDefinition, overwrite bool) error {
	err := r.Validate(definition)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.workflows[definition.Name]
	if exists && existing.SameAs(definition) {
		return nil
	}

	if exists && !overwrite {
		return services.NewValidationError("Register", "workflow_exists",
			fmt.Sprintf("workflow %q is already registered with a different definition", definition.Name), nil)
	}

	stored := definition.Clone()
	stored.RegisteredAt = time.Now().UTC()

	if r.store != nil {
		err := r.store.Save(ctx, stored)
		if err != nil {
			return services.NewIOError("Register", err)
		}
	}

	r.workflows[stored.Name] = stored

	r.logger.InfoContext(ctx, "workflow registered",
		"workflow", stored.Name, "events", stored.Events, "steps", len(stored.Steps), "replaced", exists)

	return nil
}

// Lookup returns a copy of the named definition.
func (r *Registry) Lookup(name string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, ok := r.workflows[name]
	if !ok {
		return nil, services.NewNotFoundError("Lookup", "workflow", name)
	}

	return definition.Clone(), nil
}

// List returns copies of every definition sorted by name.
func (r *Registry) List() []*models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]*models.WorkflowDefinition, 0, len(r.workflows))
	for _, definition := range r.workflows {
		definitions = append(definitions, definition.Clone())
	}

	slices.SortFunc(definitions, func(a, b *models.WorkflowDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})

	return definitions
}

// ForEvent returns every definition declaring event, sorted by name.
func (r *Registry) ForEvent(event string) []*models.WorkflowDefinition {
	matching := make([]*models.WorkflowDefinition, 0)

	for _, definition := range r.List() {
		if definition.DeclaresEvent(event) {
			matching = append(matching, definition)
		}
	}

	return matching
}

// Remove deletes the named definition.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[name]; !ok {
		return services.NewNotFoundError("Remove", "workflow", name)
	}

	if r.store != nil {
		err := r.store.Delete(ctx, name)
		if err != nil && !persistence.IsWorkflowNotFound(err) {
			return services.NewIOError("Remove", err)
		}
	}

	delete(r.workflows, name)

	r.logger.InfoContext(ctx, "workflow removed", "workflow", name)

	return nil
}

func describe(validationErrors validator.ValidationErrors) string {
	messages := make([]string, 0, len(validationErrors))

	for _, fieldErr := range validationErrors {
		field := strings.TrimPrefix(fieldErr.Namespace(), "WorkflowDefinition.")

		if fieldErr.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", field, fieldErr.Tag(), fieldErr.Param()))
		} else {
			messages = append(messages, fmt.Sprintf("%s failed %s", field, fieldErr.Tag()))
		}
	}

	return strings.Join(messages, "; ")
}
