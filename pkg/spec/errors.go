package spec

import (
	"errors"
	"fmt"
)

// Reason classifies why a workflow spec was rejected.
type Reason string

const (
	ReasonMissingField      Reason = "missing_field"
	ReasonUnknownPhaseType  Reason = "unknown_phase_type"
	ReasonUnknownGateType   Reason = "unknown_gate_type"
	ReasonUnknownDependency Reason = "unknown_dependency"
	ReasonUnknownPhase      Reason = "unknown_phase"
	ReasonDuplicatePhase    Reason = "duplicate_phase"
	ReasonCyclicDependency  Reason = "cyclic_dependency"
	ReasonUnparseable       Reason = "unparseable"
)

// SpecError is a fatal specification defect. It is raised before any worker
// is spawned and is never retried.
type SpecError struct {
	Field  string
	Reason Reason
	Detail string
}

func (e *SpecError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invalid workflow spec: %s: %s (%s)", e.Field, e.Reason, e.Detail)
	}

	return fmt.Sprintf("invalid workflow spec: %s: %s", e.Field, e.Reason)
}

// IsSpecError reports whether err is a specification defect, which callers
// map to exit code 2.
func IsSpecError(err error) bool {
	var specErr *SpecError

	return errors.As(err, &specErr)
}
