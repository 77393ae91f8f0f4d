// Package models defines the core domain models for phase-orchestrated workflows.
package models

import "time"

// PhaseType is the closed set of work a phase can delegate to a worker.
type PhaseType string

const (
	PhaseTypeDevelopment   PhaseType = "development"
	PhaseTypeTest          PhaseType = "test"
	PhaseTypeReview        PhaseType = "review"
	PhaseTypeDocumentation PhaseType = "documentation"
	PhaseTypeMeeting       PhaseType = "meeting"
	PhaseTypeConsultant    PhaseType = "consultant"
)

// ValidPhaseTypes lists every accepted phase type, in declaration order.
var ValidPhaseTypes = []PhaseType{
	PhaseTypeDevelopment,
	PhaseTypeTest,
	PhaseTypeReview,
	PhaseTypeDocumentation,
	PhaseTypeMeeting,
	PhaseTypeConsultant,
}

// IsValid reports whether the phase type belongs to the closed enumeration.
func (t PhaseType) IsValid() bool {
	for _, valid := range ValidPhaseTypes {
		if t == valid {
			return true
		}
	}

	return false
}

// ArtifactSpec declares the files a phase consumes or produces, relative to
// the phase workspace.
type ArtifactSpec struct {
	Files []string `json:"files,omitempty" yaml:"files"`
}

// QualityGateSpec declares how a phase's output is validated.
type QualityGateSpec struct {
	Type   GateType       `json:"type"             yaml:"type"   validate:"required"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// PhaseSpec is one declared step of a workflow. Specs are immutable once the
// workflow is loaded; per-phase Timeout and MaxRetries override the engine
// defaults when set.
type PhaseSpec struct {
	ID           string          `json:"id"                    yaml:"id"           validate:"required"`
	Name         string          `json:"name"                  yaml:"name"         validate:"required"`
	Type         PhaseType       `json:"type"                  yaml:"type"         validate:"required"`
	Dependencies []string        `json:"dependencies,omitempty" yaml:"dependencies"`
	Input        ArtifactSpec    `json:"input"                 yaml:"input"`
	Output       ArtifactSpec    `json:"output"                yaml:"output"`
	QualityGate  QualityGateSpec `json:"quality_gate"          yaml:"quality_gate"`
	Timeout      time.Duration   `json:"timeout,omitempty"     yaml:"timeout"`
	MaxRetries   int             `json:"max_retries,omitempty" yaml:"max_retries"`
}

// WorkflowSpec is an ordered, validated set of phases. It never mutates for
// the lifetime of a job.
type WorkflowSpec struct {
	Project string      `json:"project,omitempty" yaml:"project"`
	Phases  []PhaseSpec `json:"phases"            yaml:"phases" validate:"required,min=1,dive"`
}

// Phase returns the spec for the given phase id.
func (w *WorkflowSpec) Phase(id string) (PhaseSpec, bool) {
	for _, phase := range w.Phases {
		if phase.ID == id {
			return phase, true
		}
	}

	return PhaseSpec{}, false
}
