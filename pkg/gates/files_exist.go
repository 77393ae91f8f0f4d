package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeline/phasor/pkg/models"
)

// FilesExistGate checks that every declared output file was produced and is
// non-empty.
type FilesExistGate struct {
	files []string // Overrides the phase's declared outputs when set
}

// NewFilesExistGate builds a files_exist gate. The optional "files" param
// overrides the phase's declared outputs.
func NewFilesExistGate(params map[string]any) (Gate, error) {
	return &FilesExistGate{files: stringSliceParam(params, "files")}, nil
}

func (g *FilesExistGate) Evaluate(_ context.Context, workspace string, phase models.PhaseSpec) (models.GateResult, error) {
	files := g.files
	if len(files) == 0 {
		files = phase.Output.Files
	}

	result := models.GateResult{GateType: models.GateTypeFilesExist, Outcome: models.GateOutcomePassed}

	for _, file := range files {
		info, err := os.Stat(filepath.Join(workspace, file))

		switch {
		case err != nil:
			result.Outcome = models.GateOutcomeFailed
			result.Details = append(result.Details, fmt.Sprintf("missing output file: %s", file))
		case info.Size() == 0:
			result.Outcome = models.GateOutcomeFailed
			result.Details = append(result.Details, fmt.Sprintf("output file is empty: %s", file))
		}
	}

	return result, nil
}
