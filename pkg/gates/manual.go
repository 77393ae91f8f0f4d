package gates

import (
	"context"

	"github.com/forgeline/phasor/pkg/models"
)

// ManualGate always returns pending. The phase suspends until an operator
// approves or rejects it; the gate itself never polls.
type ManualGate struct{}

// NewManualGate builds a manual gate.
func NewManualGate(_ map[string]any) (Gate, error) {
	return &ManualGate{}, nil
}

func (g *ManualGate) Evaluate(_ context.Context, _ string, _ models.PhaseSpec) (models.GateResult, error) {
	return models.GateResult{
		GateType: models.GateTypeManual,
		Outcome:  models.GateOutcomePending,
		Details:  []string{"awaiting operator approval"},
	}, nil
}
