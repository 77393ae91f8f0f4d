package models

// GateType identifies a quality gate implementation.
type GateType string

const (
	GateTypeFilesExist     GateType = "files_exist"
	GateTypeSyntaxCheck    GateType = "syntax_check"
	GateTypeTestsPass      GateType = "tests_pass"
	GateTypeReviewApproved GateType = "review_approved"
	GateTypeSchemaValid    GateType = "schema_valid"
	GateTypeManual         GateType = "manual"
)

// ValidGateTypes lists every registered gate type.
var ValidGateTypes = []GateType{
	GateTypeFilesExist,
	GateTypeSyntaxCheck,
	GateTypeTestsPass,
	GateTypeReviewApproved,
	GateTypeSchemaValid,
	GateTypeManual,
}

// IsValid reports whether the gate type belongs to the closed enumeration.
func (t GateType) IsValid() bool {
	for _, valid := range ValidGateTypes {
		if t == valid {
			return true
		}
	}

	return false
}

// GateOutcome is the tri-state result of a completed gate evaluation.
type GateOutcome string

const (
	GateOutcomePassed   GateOutcome = "passed"
	GateOutcomeWarnings GateOutcome = "passed_with_warnings"
	GateOutcomeFailed   GateOutcome = "failed"
	GateOutcomePending  GateOutcome = "pending" // Manual gate awaiting a decision
)

// GateResult carries the outcome of evaluating one quality gate. Details are
// ordered findings suitable for feeding back into a retry attempt.
type GateResult struct {
	GateType GateType    `json:"gate_type"`
	Outcome  GateOutcome `json:"outcome"`
	Details  []string    `json:"details,omitempty"`
}

// Passed reports whether the gate allows the phase to complete.
func (r GateResult) Passed() bool {
	return r.Outcome == GateOutcomePassed || r.Outcome == GateOutcomeWarnings
}
