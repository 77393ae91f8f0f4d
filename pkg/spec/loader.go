// Package spec loads and validates workflow specifications.
//
// Loading is pure: it reads one YAML document, checks every structural rule,
// and either returns an immutable WorkflowSpec or a *SpecError. No worker is
// ever spawned for a spec that fails here.
package spec

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/forgeline/phasor/pkg/models"
)

var validate = validator.New()

// Load reads and validates the workflow spec at path.
func Load(path string) (*models.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow spec: %w", err)
	}

	return Parse(data)
}

// Parse validates a raw YAML workflow document.
func Parse(data []byte) (*models.WorkflowSpec, error) {
	var workflow models.WorkflowSpec

	if err := yaml.Unmarshal(data, &workflow); err != nil {
		return nil, &SpecError{Field: "document", Reason: ReasonUnparseable, Detail: err.Error()}
	}

	if err := Validate(&workflow); err != nil {
		return nil, err
	}

	return &workflow, nil
}

// Validate checks every structural rule of a workflow spec.
func Validate(workflow *models.WorkflowSpec) error {
	if len(workflow.Phases) == 0 {
		return &SpecError{Field: "phases", Reason: ReasonMissingField, Detail: "at least one phase is required"}
	}

	if err := validate.Struct(workflow); err != nil {
		return specErrorFromValidator(err)
	}

	seen := make(map[string]bool, len(workflow.Phases))

	for _, phase := range workflow.Phases {
		field := "phases." + phase.ID

		if seen[phase.ID] {
			return &SpecError{Field: field, Reason: ReasonDuplicatePhase}
		}

		seen[phase.ID] = true

		if !phase.Type.IsValid() {
			return &SpecError{Field: field + ".type", Reason: ReasonUnknownPhaseType, Detail: string(phase.Type)}
		}

		if !phase.QualityGate.Type.IsValid() {
			return &SpecError{Field: field + ".quality_gate.type", Reason: ReasonUnknownGateType, Detail: string(phase.QualityGate.Type)}
		}

		for _, dep := range phase.Dependencies {
			if _, ok := workflow.Phase(dep); !ok {
				return &SpecError{Field: field + ".dependencies", Reason: ReasonUnknownDependency, Detail: dep}
			}
		}
	}

	if _, err := NewDependencyGraph(workflow.Phases); err != nil {
		return err
	}

	return nil
}

// Restrict narrows the workflow to the selected phases plus everything they
// transitively depend on, preserving declaration order. An empty selection
// returns the workflow unchanged.
func Restrict(workflow *models.WorkflowSpec, phaseIDs []string) (*models.WorkflowSpec, error) {
	if len(phaseIDs) == 0 {
		return workflow, nil
	}

	keep := make(map[string]bool)

	var include func(id string) error

	include = func(id string) error {
		if keep[id] {
			return nil
		}

		phase, ok := workflow.Phase(id)
		if !ok {
			return &SpecError{Field: "phase_filter", Reason: ReasonUnknownPhase, Detail: id}
		}

		keep[id] = true

		for _, dep := range phase.Dependencies {
			if err := include(dep); err != nil {
				return err
			}
		}

		return nil
	}

	for _, id := range phaseIDs {
		if err := include(id); err != nil {
			return nil, err
		}
	}

	phases := make([]models.PhaseSpec, 0, len(keep))

	for _, phase := range workflow.Phases {
		if keep[phase.ID] {
			phases = append(phases, phase)
		}
	}

	return &models.WorkflowSpec{Project: workflow.Project, Phases: phases}, nil
}

func specErrorFromValidator(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		return &SpecError{
			Field:  errs[0].Namespace(),
			Reason: ReasonMissingField,
			Detail: errs[0].Tag(),
		}
	}

	return &SpecError{Field: "document", Reason: ReasonMissingField, Detail: err.Error()}
}
