// Package events defines event types and structures for job lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/phasor/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "phasor.events" // Topic for job and phase lifecycle events

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Job lifecycle events.
	JobCreatedEvent    EventType = "job.created"
	JobQueuedEvent     EventType = "job.queued"
	JobStartedEvent    EventType = "job.started"
	JobReadyEvent      EventType = "job.ready"
	JobFailedEvent     EventType = "job.failed"
	JobCancelledEvent  EventType = "job.cancelled"
	JobIntegratedEvent EventType = "job.integrated"

	// Phase lifecycle events.
	PhaseStartedEvent     EventType = "phase.started"
	PhaseCompletedEvent   EventType = "phase.completed"
	PhaseFailedEvent      EventType = "phase.failed"
	PhaseRetryingEvent    EventType = "phase.retrying"
	ApprovalRequiredEvent EventType = "phase.approval.required"
	ApprovalResolvedEvent EventType = "phase.approval.resolved"
	GateEvaluatedEvent    EventType = "gate.evaluated"
	EscalationRaisedEvent EventType = "escalation.raised"
	AgentOutputEvent      EventType = "agent.output"
	HeartbeatEvent        EventType = "heartbeat"
	StatusTransitionEvent EventType = "status.transition"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	JobID     string         `json:"job_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type JobCreated struct {
	BaseEvent

	Project string `json:"project"`
}

func (e JobCreated) GetType() EventType {
	return JobCreatedEvent
}

type JobQueued struct {
	BaseEvent

	Position int `json:"position"`
}

func (e JobQueued) GetType() EventType {
	return JobQueuedEvent
}

type JobStarted struct {
	BaseEvent

	Project string `json:"project"`
	Phases  int    `json:"phases"`
}

func (e JobStarted) GetType() EventType {
	return JobStartedEvent
}

type JobReady struct {
	BaseEvent

	DurationMs int64 `json:"duration_ms"`
}

func (e JobReady) GetType() EventType {
	return JobReadyEvent
}

type JobFailed struct {
	BaseEvent

	Error      string `json:"error"`
	FailedAt   string `json:"failed_at,omitempty"` // Phase where the job failed
	DurationMs int64  `json:"duration_ms"`
}

func (e JobFailed) GetType() EventType {
	return JobFailedEvent
}

type JobCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e JobCancelled) GetType() EventType {
	return JobCancelledEvent
}

type JobIntegrated struct {
	BaseEvent

	Target string `json:"target"`
}

func (e JobIntegrated) GetType() EventType {
	return JobIntegratedEvent
}

// Phase lifecycle events

type PhaseStarted struct {
	BaseEvent

	PhaseID string `json:"phase_id"`
	Attempt int    `json:"attempt"`
}

func (e PhaseStarted) GetType() EventType {
	return PhaseStartedEvent
}

type PhaseCompleted struct {
	BaseEvent

	PhaseID    string `json:"phase_id"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
}

func (e PhaseCompleted) GetType() EventType {
	return PhaseCompletedEvent
}

type PhaseFailed struct {
	BaseEvent

	PhaseID string             `json:"phase_id"`
	Attempt int                `json:"attempt"`
	Kind    models.FailureKind `json:"kind"`
	Error   string             `json:"error"`
}

func (e PhaseFailed) GetType() EventType {
	return PhaseFailedEvent
}

type PhaseRetrying struct {
	BaseEvent

	PhaseID string `json:"phase_id"`
	Attempt int    `json:"attempt"` // Attempt about to start
	Hint    string `json:"hint,omitempty"`
}

func (e PhaseRetrying) GetType() EventType {
	return PhaseRetryingEvent
}

type ApprovalRequired struct {
	BaseEvent

	PhaseID string `json:"phase_id"`
}

func (e ApprovalRequired) GetType() EventType {
	return ApprovalRequiredEvent
}

type ApprovalResolved struct {
	BaseEvent

	PhaseID  string `json:"phase_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (e ApprovalResolved) GetType() EventType {
	return ApprovalResolvedEvent
}

type GateEvaluated struct {
	BaseEvent

	PhaseID string             `json:"phase_id"`
	Gate    models.GateType    `json:"gate"`
	Outcome models.GateOutcome `json:"outcome"`
	Details []string           `json:"details,omitempty"`
}

func (e GateEvaluated) GetType() EventType {
	return GateEvaluatedEvent
}

type EscalationRaised struct {
	BaseEvent

	PhaseID string                     `json:"phase_id"`
	Level   models.EscalationLevel     `json:"level"`
	Actions []models.RemediationAction `json:"actions"`
	Reason  string                     `json:"reason"`
}

func (e EscalationRaised) GetType() EventType {
	return EscalationRaisedEvent
}

// AgentOutput carries one line of worker output, streamed as it is produced.
type AgentOutput struct {
	BaseEvent

	PhaseID string `json:"phase_id"`
	Line    string `json:"line"`
}

func (e AgentOutput) GetType() EventType {
	return AgentOutputEvent
}

// Heartbeat proves liveness of a long-running phase while the worker is
// silent.
type Heartbeat struct {
	BaseEvent

	PhaseID   string `json:"phase_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (e Heartbeat) GetType() EventType {
	return HeartbeatEvent
}

// StatusTransition journals one durable status change. Replaying these from
// an empty record reproduces the job state exactly.
type StatusTransition struct {
	BaseEvent

	PhaseID string `json:"phase_id,omitempty"` // Empty for job-level transitions
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (e StatusTransition) GetType() EventType {
	return StatusTransitionEvent
}

func NewBaseEvent(eventType EventType, jobID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Metadata:  make(map[string]any),
	}
}
