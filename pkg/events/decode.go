package events

import (
	"encoding/json"
	"fmt"
)

// Decode unmarshals a serialized event into its concrete struct, selected by
// the event type.
func Decode(eventType EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case JobCreatedEvent:
		event = &JobCreated{}
	case JobQueuedEvent:
		event = &JobQueued{}
	case JobStartedEvent:
		event = &JobStarted{}
	case JobReadyEvent:
		event = &JobReady{}
	case JobFailedEvent:
		event = &JobFailed{}
	case JobCancelledEvent:
		event = &JobCancelled{}
	case JobIntegratedEvent:
		event = &JobIntegrated{}
	case PhaseStartedEvent:
		event = &PhaseStarted{}
	case PhaseCompletedEvent:
		event = &PhaseCompleted{}
	case PhaseFailedEvent:
		event = &PhaseFailed{}
	case PhaseRetryingEvent:
		event = &PhaseRetrying{}
	case ApprovalRequiredEvent:
		event = &ApprovalRequired{}
	case ApprovalResolvedEvent:
		event = &ApprovalResolved{}
	case GateEvaluatedEvent:
		event = &GateEvaluated{}
	case EscalationRaisedEvent:
		event = &EscalationRaised{}
	case AgentOutputEvent:
		event = &AgentOutput{}
	case HeartbeatEvent:
		event = &Heartbeat{}
	case StatusTransitionEvent:
		event = &StatusTransition{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, err
	}

	return event, nil
}
