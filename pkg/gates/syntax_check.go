package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forgeline/phasor/pkg/models"
)

// SyntaxCheckGate parses each output file according to its extension. Files
// with an extension no checker covers are reported as warnings, not
// failures.
type SyntaxCheckGate struct {
	files []string
}

// NewSyntaxCheckGate builds a syntax_check gate.
func NewSyntaxCheckGate(params map[string]any) (Gate, error) {
	return &SyntaxCheckGate{files: stringSliceParam(params, "files")}, nil
}

func (g *SyntaxCheckGate) Evaluate(_ context.Context, workspace string, phase models.PhaseSpec) (models.GateResult, error) {
	files := g.files
	if len(files) == 0 {
		files = phase.Output.Files
	}

	result := models.GateResult{GateType: models.GateTypeSyntaxCheck, Outcome: models.GateOutcomePassed}

	for _, file := range files {
		path := filepath.Join(workspace, file)

		data, err := os.ReadFile(path)
		if err != nil {
			result.Outcome = models.GateOutcomeFailed
			result.Details = append(result.Details, fmt.Sprintf("unreadable file: %s", file))

			continue
		}

		switch filepath.Ext(file) {
		case ".go":
			if _, err := parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors); err != nil {
				result.Outcome = models.GateOutcomeFailed
				result.Details = append(result.Details, fmt.Sprintf("go syntax error in %s: %v", file, err))
			}
		case ".json":
			if !json.Valid(data) {
				result.Outcome = models.GateOutcomeFailed
				result.Details = append(result.Details, fmt.Sprintf("invalid JSON in %s", file))
			}
		case ".yaml", ".yml":
			var doc any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				result.Outcome = models.GateOutcomeFailed
				result.Details = append(result.Details, fmt.Sprintf("invalid YAML in %s: %v", file, err))
			}
		default:
			if result.Outcome == models.GateOutcomePassed {
				result.Outcome = models.GateOutcomeWarnings
			}

			result.Details = append(result.Details, fmt.Sprintf("no syntax checker for %s, skipped", file))
		}
	}

	return result, nil
}
