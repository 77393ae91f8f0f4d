package gates

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgeline/phasor/pkg/models"
)

const testOutputExcerptLines = 20

// TestsPassGate runs the project's test command in the workspace and maps
// its exit status to a gate outcome.
type TestsPassGate struct {
	command string
}

// NewTestsPassGate builds a tests_pass gate. The "command" param overrides
// the default test runner.
func NewTestsPassGate(params map[string]any) (Gate, error) {
	return &TestsPassGate{command: stringParam(params, "command", "go test ./...")}, nil
}

func (g *TestsPassGate) Evaluate(ctx context.Context, workspace string, _ models.PhaseSpec) (models.GateResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", g.command)
	cmd.Dir = workspace

	output, err := cmd.CombinedOutput()

	result := models.GateResult{GateType: models.GateTypeTestsPass, Outcome: models.GateOutcomePassed}
	if err == nil {
		return result, nil
	}

	result.Outcome = models.GateOutcomeFailed
	result.Details = append(result.Details, fmt.Sprintf("test command failed: %v", err))
	result.Details = append(result.Details, outputExcerpt(output)...)

	return result, nil
}

// outputExcerpt keeps the tail of the run, where test runners print their
// failure summaries.
func outputExcerpt(output []byte) []string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > testOutputExcerptLines {
		lines = lines[len(lines)-testOutputExcerptLines:]
	}

	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}

	return out
}
