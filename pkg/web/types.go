// Package web provides the HTTP control surface of the orchestration engine.
package web

import (
	"sort"
	"time"

	"github.com/forgeline/phasor/pkg/models"
)

// SubmitJobRequest is the request body for submitting a new job. The phases
// go through full workflow validation before admission. A non-empty
// phase_filter restricts the run to the named phases and their dependencies.
type SubmitJobRequest struct {
	Project     string             `json:"project"                validate:"required"`
	Phases      []models.PhaseSpec `json:"phases"                 validate:"required,min=1"`
	PhaseFilter []string           `json:"phase_filter,omitempty"`
}

// SubmitJobResponse returns the id of the admitted job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// ResolveApprovalRequest is the request body for approving or rejecting a
// parked phase.
type ResolveApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

// IntegrateRequest names the target tree for a deploy or integration.
type IntegrateRequest struct {
	Target string `json:"target" validate:"required"`
}

// PhaseStatusResponse is the per-phase slice of a job status payload.
type PhaseStatusResponse struct {
	PhaseID      string     `json:"phase_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// JobStatusResponse is the progress payload of one job.
type JobStatusResponse struct {
	JobID        string                `json:"job_id"`
	Project      string                `json:"project"`
	Status       models.JobStatus      `json:"status"`
	CurrentPhase string                `json:"current_phase,omitempty"`
	Progress     int                   `json:"progress"`
	Phases       []PhaseStatusResponse `json:"phases"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// PhaseLogResponse is the tail of a phase's worker output.
type PhaseLogResponse struct {
	JobID   string   `json:"job_id"`
	PhaseID string   `json:"phase_id"`
	Lines   []string `json:"lines"`
}

// TransformJobStatus flattens a job record into the status payload. Phases
// are ordered by id for a stable response.
func TransformJobStatus(job *models.Job) JobStatusResponse {
	response := JobStatusResponse{
		JobID:        job.ID,
		Project:      job.Project,
		Status:       job.Status,
		CurrentPhase: job.CurrentPhase,
		Progress:     job.Progress(),
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}

	for _, record := range sortedRecords(job) {
		response.Phases = append(response.Phases, PhaseStatusResponse{
			PhaseID:      record.PhaseID,
			Status:       string(record.Status),
			AttemptCount: record.AttemptCount,
			StartedAt:    record.StartedAt,
			CompletedAt:  record.CompletedAt,
			Error:        record.Error,
		})
	}

	return response
}

func sortedRecords(job *models.Job) []*models.PhaseRecord {
	records := make([]*models.PhaseRecord, 0, len(job.Phases))

	for _, record := range job.Phases {
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].PhaseID < records[j].PhaseID
	})

	return records
}
