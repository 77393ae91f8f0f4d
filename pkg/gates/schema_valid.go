package gates

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/xeipuuv/gojsonschema"

	"github.com/forgeline/phasor/pkg/models"
)

// SchemaValidGate validates a JSON output document against a JSON Schema.
// The schema comes inline from the "schema" param or from a "schema_file"
// path relative to the workspace.
type SchemaValidGate struct {
	schema     map[string]any
	schemaFile string
	target     string
}

// NewSchemaValidGate builds a schema_valid gate.
func NewSchemaValidGate(params map[string]any) (Gate, error) {
	schema, _ := params["schema"].(map[string]any)
	schemaFile := stringParam(params, "schema_file", "")

	if schema == nil && schemaFile == "" {
		return nil, fmt.Errorf("schema_valid gate requires a 'schema' or 'schema_file' param")
	}

	return &SchemaValidGate{
		schema:     schema,
		schemaFile: schemaFile,
		target:     stringParam(params, "file", ""),
	}, nil
}

func (g *SchemaValidGate) Evaluate(_ context.Context, workspace string, phase models.PhaseSpec) (models.GateResult, error) {
	result := models.GateResult{GateType: models.GateTypeSchemaValid, Outcome: models.GateOutcomePassed}

	var schemaLoader gojsonschema.JSONLoader
	if g.schema != nil {
		schemaLoader = gojsonschema.NewGoLoader(g.schema)
	} else {
		schemaLoader = gojsonschema.NewReferenceLoader("file://" + filepath.Join(workspace, g.schemaFile))
	}

	targets := phase.Output.Files
	if g.target != "" {
		targets = []string{g.target}
	}

	for _, target := range targets {
		documentLoader := gojsonschema.NewReferenceLoader("file://" + filepath.Join(workspace, target))

		validation, err := gojsonschema.Validate(schemaLoader, documentLoader)
		if err != nil {
			result.Outcome = models.GateOutcomeFailed
			result.Details = append(result.Details, fmt.Sprintf("schema validation error for %s: %v", target, err))

			continue
		}

		if !validation.Valid() {
			result.Outcome = models.GateOutcomeFailed

			for _, desc := range validation.Errors() {
				result.Details = append(result.Details, fmt.Sprintf("%s: %s", target, desc))
			}
		}
	}

	return result, nil
}
