package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/persistence"
)

const subscriberBuffer = 1024

// StreamEvent is one delivered event with its journal position.
type StreamEvent struct {
	Seq     uint64           `json:"seq"`
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

type streamEnvelope struct {
	Type  events.EventType `json:"type"`
	Event json.RawMessage  `json:"event"`
}

type streamSubscriber struct {
	jobID string
	ch    chan StreamEvent
}

// Stream couples the durable per-job event journal with live fan-out. Every
// published event is appended to the journal first and only then delivered,
// so a subscriber resuming from an offset never misses or double-sees an
// event: replay and live delivery are serialized on one mutex.
type Stream struct {
	log    persistence.EventLogRepository
	bus    EventBus // Optional broker fan-out, may be nil
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*streamSubscriber]struct{}
}

// NewStream creates a stream publisher over the given journal. bus may be
// nil when no broker fan-out is configured.
func NewStream(log persistence.EventLogRepository, bus EventBus, logger *slog.Logger) *Stream {
	return &Stream{
		log:    log,
		bus:    bus,
		logger: logger,
		subs:   make(map[*streamSubscriber]struct{}),
	}
}

// Publish journals the event for its job and fans it out to live
// subscribers and the broker.
func (s *Stream) Publish(ctx context.Context, jobID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(streamEnvelope{Type: event.GetType(), Event: payload})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.log.Append(ctx, jobID, data)
	if err != nil {
		return err
	}

	delivered := StreamEvent{Seq: seq, Type: event.GetType(), Payload: payload}

	for sub := range s.subs {
		if sub.jobID != jobID {
			continue
		}

		select {
		case sub.ch <- delivered:
		default:
			// Slow consumer: drop the subscription rather than block
			// publication.
			close(sub.ch)
			delete(s.subs, sub)
		}
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, jobID, event); err != nil {
			s.logger.WarnContext(ctx, "Broker fan-out failed", "job_id", jobID, "error", err)
		}
	}

	return nil
}

// SubscribeFrom returns a channel delivering every event of the job with
// Seq > offset: first the journal replay, then live events, without gaps or
// duplicates. The returned cancel func releases the subscription.
func (s *Stream) SubscribeFrom(ctx context.Context, jobID string, offset uint64) (<-chan StreamEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.log.ReadFrom(ctx, jobID, offset)
	if err != nil {
		return nil, nil, err
	}

	sub := &streamSubscriber{
		jobID: jobID,
		ch:    make(chan StreamEvent, subscriberBuffer+len(records)),
	}

	for _, record := range records {
		var envelope streamEnvelope
		if err := json.Unmarshal(record.Data, &envelope); err != nil {
			s.logger.Warn("Skipping unreadable journal record", "job_id", jobID, "seq", record.Seq)

			continue
		}

		sub.ch <- StreamEvent{Seq: record.Seq, Type: envelope.Type, Payload: envelope.Event}
	}

	s.subs[sub] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.subs[sub]; ok {
			close(sub.ch)
			delete(s.subs, sub)
		}
	}

	return sub.ch, cancel, nil
}

// Replay returns the journal of a job after the given offset, decoded into
// typed events.
func (s *Stream) Replay(ctx context.Context, jobID string, offset uint64) ([]any, error) {
	records, err := s.log.ReadFrom(ctx, jobID, offset)
	if err != nil {
		return nil, err
	}

	decoded := make([]any, 0, len(records))

	for _, record := range records {
		var envelope streamEnvelope
		if err := json.Unmarshal(record.Data, &envelope); err != nil {
			continue
		}

		event, err := events.Decode(envelope.Type, envelope.Event)
		if err != nil {
			continue
		}

		decoded = append(decoded, event)
	}

	return decoded, nil
}
