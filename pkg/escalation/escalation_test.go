package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeline/phasor/pkg/models"
)

func TestDecide(t *testing.T) {
	manager := NewManager()

	tests := []struct {
		name        string
		signal      Signal
		wantLevel   models.EscalationLevel
		wantActions []models.RemediationAction
	}{
		{
			name:        "timeout with attempts left retries autonomously",
			signal:      Signal{Kind: models.FailureWorkerTimeout, Attempt: 1, MaxRetries: 3},
			wantLevel:   models.EscalationAutonomous,
			wantActions: []models.RemediationAction{models.RemediationRetryWithHint},
		},
		{
			name:        "crash with attempts left retries autonomously",
			signal:      Signal{Kind: models.FailureWorkerCrash, Attempt: 2, MaxRetries: 3},
			wantLevel:   models.EscalationAutonomous,
			wantActions: []models.RemediationAction{models.RemediationRetryWithHint},
		},
		{
			name:        "gate failure with attempts left retries autonomously",
			signal:      Signal{Kind: models.FailureGate, Attempt: 1, MaxRetries: 3, Detail: "missing output"},
			wantLevel:   models.EscalationAutonomous,
			wantActions: []models.RemediationAction{models.RemediationRetryWithHint},
		},
		{
			name:        "exhausted budget goes to a human",
			signal:      Signal{Kind: models.FailureGate, Attempt: 3, MaxRetries: 3},
			wantLevel:   models.EscalationHuman,
			wantActions: []models.RemediationAction{models.RemediationNotify, models.RemediationPause},
		},
		{
			name:        "permission error escalates immediately",
			signal:      Signal{Kind: models.FailurePermission, Attempt: 1, MaxRetries: 3},
			wantLevel:   models.EscalationHuman,
			wantActions: []models.RemediationAction{models.RemediationNotify, models.RemediationPause},
		},
		{
			name:      "infrastructure error escalates immediately with strategy switch",
			signal:    Signal{Kind: models.FailureInfrastructure, Attempt: 1, MaxRetries: 3},
			wantLevel: models.EscalationHuman,
			wantActions: []models.RemediationAction{
				models.RemediationSwitchStrategy,
				models.RemediationNotify,
				models.RemediationPause,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := manager.Decide(tt.signal)
			assert.Equal(t, tt.wantLevel, decision.Level)
			assert.Equal(t, tt.wantActions, decision.Actions)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestDecide_PermissionBeatsExhaustion(t *testing.T) {
	manager := NewManager()

	// Rule order matters: a permission failure on the last attempt is still
	// reported as a permission problem, not a generic exhaustion.
	decision := manager.Decide(Signal{Kind: models.FailurePermission, Attempt: 3, MaxRetries: 3, Detail: "EACCES"})
	assert.Equal(t, models.EscalationHuman, decision.Level)
	assert.Contains(t, decision.Reason, "permission")
}
