package models

// EscalationLevel is who must act on a failure.
type EscalationLevel string

const (
	EscalationNone       EscalationLevel = "none"       // Retry in place, nobody notified
	EscalationAutonomous EscalationLevel = "autonomous" // Engine remediates without a human
	EscalationHuman      EscalationLevel = "human"      // Requires operator intervention
)

// RemediationAction is one step of an escalation plan, applied in order.
type RemediationAction string

const (
	RemediationRetryWithHint  RemediationAction = "retry_with_hint"
	RemediationSwitchStrategy RemediationAction = "switch_strategy"
	RemediationNotify         RemediationAction = "notify"
	RemediationPause          RemediationAction = "pause"
)

// FailureKind classifies what went wrong with a phase attempt.
type FailureKind string

const (
	FailureWorkerTimeout  FailureKind = "worker_timeout"
	FailureWorkerCrash    FailureKind = "worker_crash"
	FailureGate           FailureKind = "gate_failure"
	FailurePermission     FailureKind = "permission"
	FailureInfrastructure FailureKind = "infrastructure"
)

// EscalationDecision is the outcome of classifying a failure signal.
type EscalationDecision struct {
	Level   EscalationLevel     `json:"level"`
	Actions []RemediationAction `json:"actions"`
	Reason  string              `json:"reason"`
}
