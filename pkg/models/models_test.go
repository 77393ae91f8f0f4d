package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseTypeIsValid(t *testing.T) {
	for _, phaseType := range ValidPhaseTypes {
		assert.True(t, phaseType.IsValid(), "expected %s to be valid", phaseType)
	}

	assert.False(t, PhaseType("deploy").IsValid())
	assert.False(t, PhaseType("").IsValid())
}

func TestGateTypeIsValid(t *testing.T) {
	for _, gateType := range ValidGateTypes {
		assert.True(t, gateType.IsValid(), "expected %s to be valid", gateType)
	}

	assert.False(t, GateType("lint").IsValid())
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.True(t, JobStatusIntegrated.IsTerminal())

	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
	assert.False(t, JobStatusReady.IsTerminal(), "ready jobs can still be integrated")
}

func TestPhaseStatusIsTerminal(t *testing.T) {
	assert.True(t, PhaseStatusCompleted.IsTerminal())
	assert.True(t, PhaseStatusFailed.IsTerminal())
	assert.True(t, PhaseStatusCancelled.IsTerminal())

	assert.False(t, PhaseStatusPendingApproval.IsTerminal(), "parked phases resume on approval")
	assert.False(t, PhaseStatusRunning.IsTerminal())
}

func TestGateResultPassed(t *testing.T) {
	assert.True(t, GateResult{Outcome: GateOutcomePassed}.Passed())
	assert.True(t, GateResult{Outcome: GateOutcomeWarnings}.Passed())
	assert.False(t, GateResult{Outcome: GateOutcomeFailed}.Passed())
	assert.False(t, GateResult{Outcome: GateOutcomePending}.Passed())
}

func TestWorkflowSpecPhase(t *testing.T) {
	workflow := &WorkflowSpec{
		Project: "billing",
		Phases: []PhaseSpec{
			{ID: "design", Name: "Design", Type: PhaseTypeDevelopment},
			{ID: "verify", Name: "Verify", Type: PhaseTypeTest, Dependencies: []string{"design"}},
		},
	}

	phase, found := workflow.Phase("verify")
	assert.True(t, found)
	assert.Equal(t, PhaseTypeTest, phase.Type)

	_, found = workflow.Phase("missing")
	assert.False(t, found)
}

func TestJobPhaseRecordForCreatesPendingRecord(t *testing.T) {
	job := &Job{ID: "job-1", Project: "billing", Status: JobStatusRunning}

	record := job.PhaseRecordFor("design")
	assert.Equal(t, "design", record.PhaseID)
	assert.Equal(t, PhaseStatusPending, record.Status)

	record.Status = PhaseStatusRunning
	assert.Equal(t, PhaseStatusRunning, job.PhaseRecordFor("design").Status, "record is shared, not copied")
}

func TestJobProgress(t *testing.T) {
	job := &Job{ID: "job-1", Project: "billing", Status: JobStatusRunning}
	assert.Equal(t, 0, job.Progress())

	job.PhaseRecordFor("a").Status = PhaseStatusCompleted
	job.PhaseRecordFor("b").Status = PhaseStatusRunning
	assert.Equal(t, 50, job.Progress())

	job.PhaseRecordFor("b").Status = PhaseStatusFailed
	assert.Equal(t, 100, job.Progress(), "failed phases still count as settled")
}

func TestJobProgressWithoutPhaseRecords(t *testing.T) {
	pending := &Job{ID: "job-1", Status: JobStatusPending}
	assert.Equal(t, 0, pending.Progress())

	integrated := &Job{ID: "job-2", Status: JobStatusIntegrated}
	assert.Equal(t, 100, integrated.Progress())
}
