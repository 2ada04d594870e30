// Package config loads workflow definition files. Definitions are checked against an
// embedded JSON schema before they are decoded into typed models, so a malformed file
// fails at load time with every problem listed.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/services"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed workflow.schema.json
var workflowSchema []byte

var (
	ErrUnsupportedFormat = errors.New("unsupported workflow file format")

	schemaLoader = gojsonschema.NewBytesLoader(workflowSchema)
)

// Extensions lists the file extensions LoadWorkflowDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// LoadWorkflowFile reads one file holding either a single definition or a
// document with a top-level "workflows" list.
func LoadWorkflowFile(path string) ([]*models.WorkflowDefinition, error) {
	const op = "LoadWorkflowFile"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	documents, err := decode(path, data)
	if err != nil {
		return nil, services.NewValidationError(op, "invalid_file", fmt.Sprintf("%s: %v", path, err), err)
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(documents))

	for i, document := range documents {
		err := validateDocument(document)
		if err != nil {
			return nil, services.NewValidationError(op, "schema_violation",
				fmt.Sprintf("%s: workflow #%d: %v", path, i+1, err), err)
		}

		definition, err := toDefinition(document)
		if err != nil {
			return nil, services.NewValidationError(op, "invalid_file", fmt.Sprintf("%s: %v", path, err), err)
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// LoadWorkflowDir loads every workflow file directly inside dir in name order.
// Two definitions with the same name are rejected.
func LoadWorkflowDir(dir string) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory %s: %w", dir, err)
	}

	definitions := make([]*models.WorkflowDefinition, 0)
	origin := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		loaded, err := LoadWorkflowFile(path)
		if err != nil {
			return nil, err
		}

		for _, definition := range loaded {
			if previous, dup := origin[definition.Name]; dup {
				return nil, services.NewValidationError("LoadWorkflowDir", "duplicate_workflow",
					fmt.Sprintf("workflow %q is defined in both %s and %s", definition.Name, previous, path), nil)
			}

			origin[definition.Name] = path
		}

		definitions = append(definitions, loaded...)
	}

	return definitions, nil
}

// ParseWorkflow decodes and validates a single JSON definition, as sent over HTTP.
func ParseWorkflow(data []byte) (*models.WorkflowDefinition, error) {
	const op = "ParseWorkflow"

	var document any

	err := json.Unmarshal(data, &document)
	if err != nil {
		return nil, services.NewValidationError(op, "invalid_json", err.Error(), err)
	}

	err = validateDocument(document)
	if err != nil {
		return nil, services.NewValidationError(op, "schema_violation", err.Error(), err)
	}

	definition, err := toDefinition(document)
	if err != nil {
		return nil, services.NewValidationError(op, "invalid_json", err.Error(), err)
	}

	return definition, nil
}

func decode(path string, data []byte) ([]any, error) {
	var document any

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err := yaml.Unmarshal(data, &document)
		if err != nil {
			return nil, err
		}
	case ".json":
		err := json.Unmarshal(data, &document)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if object, ok := document.(map[string]any); ok {
		if list, ok := object["workflows"]; ok && len(object) == 1 {
			items, ok := list.([]any)
			if !ok {
				return nil, errors.New("workflows must be a list")
			}

			return items, nil
		}
	}

	return []any{document}, nil
}

func validateDocument(document any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}

// toDefinition converts a schema-checked generic document into the typed model.
func toDefinition(document any) (*models.WorkflowDefinition, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(raw, &definition)
	if err != nil {
		return nil, err
	}

	return &definition, nil
}
