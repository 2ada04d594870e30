// Package models defines the domain models for repository workflow automation and backups.
package models

import (
	"slices"
	"time"
)

// WorkflowDefinition is a named, event-triggered ordered list of steps.
// Definitions are replaced as a whole on re-registration, never patched.
type WorkflowDefinition struct {
	Name         string    `json:"name"                   validate:"required,max=128,excludesall=/\\" yaml:"name"`
	Description  string    `json:"description"            yaml:"description"`
	Events       []string  `json:"events"                 validate:"required,min=1,unique,dive,required" yaml:"events"`
	Steps        []Step    `json:"steps"                  validate:"dive"          yaml:"steps"`
	RegisteredAt time.Time `json:"registered_at,omitzero" yaml:"-"`
}

// DeclaresEvent reports whether the workflow is bound to event.
func (w *WorkflowDefinition) DeclaresEvent(event string) bool {
	return slices.Contains(w.Events, event)
}

// StepsFor returns the steps whose filter equals event, in declared order.
func (w *WorkflowDefinition) StepsFor(event string) []Step {
	steps := make([]Step, 0, len(w.Steps))

	for _, step := range w.Steps {
		if step.Event == event {
			steps = append(steps, step)
		}
	}

	return steps
}

// SameAs reports whether two definitions describe the same workflow,
// ignoring registration bookkeeping.
func (w *WorkflowDefinition) SameAs(other *WorkflowDefinition) bool {
	if other == nil {
		return false
	}

	if w.Name != other.Name || w.Description != other.Description {
		return false
	}

	if !slices.Equal(w.Events, other.Events) {
		return false
	}

	return slices.Equal(w.Steps, other.Steps)
}

// Clone returns a deep copy of the definition.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	clone := *w
	clone.Events = slices.Clone(w.Events)
	clone.Steps = slices.Clone(w.Steps)

	return &clone
}
