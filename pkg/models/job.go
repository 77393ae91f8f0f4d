package models

import "time"

// JobStatus represents the lifecycle state of an orchestration job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Accepted, not yet admitted
	JobStatusQueued     JobStatus = "queued"     // Waiting on the admission limit
	JobStatusRunning    JobStatus = "running"    // At least one phase executing
	JobStatusReady      JobStatus = "ready"      // All phases passed, awaiting deploy
	JobStatusFailed     JobStatus = "failed"     // A phase escalated past recovery
	JobStatusCancelled  JobStatus = "cancelled"  // Cancelled by operator request
	JobStatusIntegrated JobStatus = "integrated" // Deployed output accepted
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFailed || s == JobStatusCancelled || s == JobStatusIntegrated
}

// PhaseStatus represents the lifecycle state of a single phase within a job.
type PhaseStatus string

const (
	PhaseStatusPending         PhaseStatus = "pending"
	PhaseStatusRunning         PhaseStatus = "running"
	PhaseStatusPendingApproval PhaseStatus = "pending_approval" // Suspended on a manual gate
	PhaseStatusCompleted       PhaseStatus = "completed"
	PhaseStatusFailed          PhaseStatus = "failed"
	PhaseStatusCancelled       PhaseStatus = "cancelled"
)

// IsTerminal reports whether the phase has reached a final state.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseStatusCompleted || s == PhaseStatusFailed || s == PhaseStatusCancelled
}

// PhaseRecord is the persisted execution state of one phase of a job.
type PhaseRecord struct {
	PhaseID      string      `json:"phase_id"`
	Status       PhaseStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Job is the durable record of one orchestration run.
type Job struct {
	ID           string                  `json:"id"`
	Project      string                  `json:"project"      validate:"required"`
	Status       JobStatus               `json:"status"       validate:"required"`
	CurrentPhase string                  `json:"current_phase,omitempty"`
	Phases       map[string]*PhaseRecord `json:"phases"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Error        string                  `json:"error,omitempty"`
}

// PhaseRecordFor returns the record for the given phase, creating an empty
// pending record if none exists yet.
func (j *Job) PhaseRecordFor(phaseID string) *PhaseRecord {
	if j.Phases == nil {
		j.Phases = make(map[string]*PhaseRecord)
	}

	record, ok := j.Phases[phaseID]
	if !ok {
		record = &PhaseRecord{PhaseID: phaseID, Status: PhaseStatusPending}
		j.Phases[phaseID] = record
	}

	return record
}

// Progress returns the completion percentage of the job, 0 to 100, computed
// from terminal phase records.
func (j *Job) Progress() int {
	if len(j.Phases) == 0 {
		if j.Status.IsTerminal() || j.Status == JobStatusReady {
			return 100
		}

		return 0
	}

	done := 0

	for _, record := range j.Phases {
		if record.Status.IsTerminal() {
			done++
		}
	}

	return done * 100 / len(j.Phases)
}
