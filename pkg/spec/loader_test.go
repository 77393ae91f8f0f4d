package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/models"
)

const validWorkflow = `
project: billing
phases:
  - id: implement
    name: Implement feature
    type: development
    output:
      files: [main.go]
    quality_gate:
      type: files_exist
  - id: test
    name: Run tests
    type: test
    dependencies: [implement]
    quality_gate:
      type: tests_pass
`

func TestParse_ValidWorkflow(t *testing.T) {
	workflow, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "billing", workflow.Project)
	require.Len(t, workflow.Phases, 2)
	assert.Equal(t, models.PhaseTypeDevelopment, workflow.Phases[0].Type)
	assert.Equal(t, []string{"implement"}, workflow.Phases[1].Dependencies)
}

func TestLoad_ReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validWorkflow), 0o644))

	workflow, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, workflow.Phases, 2)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		field  string
		reason Reason
	}{
		{
			name: "unknown phase type",
			yaml: `
phases:
  - id: a
    name: A
    type: deployment
    quality_gate:
      type: manual
`,
			field:  "phases.a.type",
			reason: ReasonUnknownPhaseType,
		},
		{
			name: "unknown gate type",
			yaml: `
phases:
  - id: a
    name: A
    type: development
    quality_gate:
      type: lint
`,
			field:  "phases.a.quality_gate.type",
			reason: ReasonUnknownGateType,
		},
		{
			name: "unknown dependency",
			yaml: `
phases:
  - id: a
    name: A
    type: development
    dependencies: [ghost]
    quality_gate:
      type: manual
`,
			field:  "phases.a.dependencies",
			reason: ReasonUnknownDependency,
		},
		{
			name: "duplicate phase id",
			yaml: `
phases:
  - id: a
    name: A
    type: development
    quality_gate:
      type: manual
  - id: a
    name: A again
    type: test
    quality_gate:
      type: manual
`,
			field:  "phases.a",
			reason: ReasonDuplicatePhase,
		},
		{
			name: "dependency cycle",
			yaml: `
phases:
  - id: a
    name: A
    type: development
    dependencies: [b]
    quality_gate:
      type: manual
  - id: b
    name: B
    type: test
    dependencies: [a]
    quality_gate:
      type: manual
`,
			field:  "phases",
			reason: ReasonCyclicDependency,
		},
		{
			name:   "empty document",
			yaml:   `project: empty`,
			field:  "phases",
			reason: ReasonMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)

			var specErr *SpecError
			require.ErrorAs(t, err, &specErr)
			assert.Equal(t, tt.field, specErr.Field)
			assert.Equal(t, tt.reason, specErr.Reason)
			assert.True(t, IsSpecError(err))
		})
	}
}

func TestRestrict_KeepsSelectionAndDependencies(t *testing.T) {
	workflow, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	restricted, err := Restrict(workflow, []string{"test"})
	require.NoError(t, err)

	require.Len(t, restricted.Phases, 2, "the dependency must ride along")
	assert.Equal(t, "implement", restricted.Phases[0].ID)
	assert.Equal(t, "test", restricted.Phases[1].ID)

	restricted, err = Restrict(workflow, []string{"implement"})
	require.NoError(t, err)

	require.Len(t, restricted.Phases, 1)
	assert.Equal(t, "implement", restricted.Phases[0].ID)
}

func TestRestrict_EmptySelectionIsIdentity(t *testing.T) {
	workflow, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	restricted, err := Restrict(workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow, restricted)
}

func TestRestrict_UnknownPhaseIsSpecError(t *testing.T) {
	workflow, err := Parse([]byte(validWorkflow))
	require.NoError(t, err)

	_, err = Restrict(workflow, []string{"deploy"})
	require.Error(t, err)
	assert.True(t, IsSpecError(err))

	var specErr *SpecError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, ReasonUnknownPhase, specErr.Reason)
	assert.Equal(t, "deploy", specErr.Detail)
}

func TestParse_UnparseableYAML(t *testing.T) {
	_, err := Parse([]byte("phases: [\n"))
	require.Error(t, err)

	var specErr *SpecError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, ReasonUnparseable, specErr.Reason)
}
