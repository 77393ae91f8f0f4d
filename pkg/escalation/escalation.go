// Package escalation classifies phase failures and decides who acts next.
package escalation

import (
	"fmt"

	"github.com/forgeline/phasor/pkg/models"
)

// Signal describes one failed phase attempt.
type Signal struct {
	Kind       models.FailureKind
	Attempt    int // Attempts used so far
	MaxRetries int // Attempt budget for the phase
	Detail     string
}

// Exhausted reports whether the attempt budget is spent.
func (s Signal) Exhausted() bool {
	return s.Attempt >= s.MaxRetries
}

type rule struct {
	matches func(Signal) bool
	decide  func(Signal) models.EscalationDecision
}

// Manager is an ordered rule set mapping failure signals to escalation
// decisions. Deciding is pure: no I/O, no state.
type Manager struct {
	rules []rule
}

// NewManager creates a manager with the default rule set. Rules are
// evaluated in order; the first match wins.
func NewManager() *Manager {
	return &Manager{rules: []rule{
		{
			// Permission problems never get better by retrying.
			matches: func(s Signal) bool { return s.Kind == models.FailurePermission },
			decide: func(s Signal) models.EscalationDecision {
				return models.EscalationDecision{
					Level:   models.EscalationHuman,
					Actions: []models.RemediationAction{models.RemediationNotify, models.RemediationPause},
					Reason:  fmt.Sprintf("permission error: %s", s.Detail),
				}
			},
		},
		{
			matches: func(s Signal) bool { return s.Kind == models.FailureInfrastructure },
			decide: func(s Signal) models.EscalationDecision {
				return models.EscalationDecision{
					Level: models.EscalationHuman,
					Actions: []models.RemediationAction{
						models.RemediationSwitchStrategy,
						models.RemediationNotify,
						models.RemediationPause,
					},
					Reason: fmt.Sprintf("infrastructure error: %s", s.Detail),
				}
			},
		},
		{
			matches: func(s Signal) bool { return s.Exhausted() },
			decide: func(s Signal) models.EscalationDecision {
				return models.EscalationDecision{
					Level:   models.EscalationHuman,
					Actions: []models.RemediationAction{models.RemediationNotify, models.RemediationPause},
					Reason: fmt.Sprintf("%s after %d attempts: %s",
						s.Kind, s.Attempt, s.Detail),
				}
			},
		},
		{
			matches: func(s Signal) bool {
				return s.Kind == models.FailureWorkerTimeout || s.Kind == models.FailureWorkerCrash
			},
			decide: func(s Signal) models.EscalationDecision {
				return models.EscalationDecision{
					Level:   models.EscalationAutonomous,
					Actions: []models.RemediationAction{models.RemediationRetryWithHint},
					Reason:  fmt.Sprintf("%s on attempt %d: %s", s.Kind, s.Attempt, s.Detail),
				}
			},
		},
		{
			matches: func(s Signal) bool { return s.Kind == models.FailureGate },
			decide: func(s Signal) models.EscalationDecision {
				return models.EscalationDecision{
					Level:   models.EscalationAutonomous,
					Actions: []models.RemediationAction{models.RemediationRetryWithHint},
					Reason:  fmt.Sprintf("quality gate failed on attempt %d: %s", s.Attempt, s.Detail),
				}
			},
		},
	}}
}

// Decide maps a failure signal to an escalation decision.
func (m *Manager) Decide(signal Signal) models.EscalationDecision {
	for _, r := range m.rules {
		if r.matches(signal) {
			return r.decide(signal)
		}
	}

	return models.EscalationDecision{
		Level:   models.EscalationHuman,
		Actions: []models.RemediationAction{models.RemediationNotify, models.RemediationPause},
		Reason:  fmt.Sprintf("unclassified failure: %s", signal.Detail),
	}
}
