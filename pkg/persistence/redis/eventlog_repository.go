package redis

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"github.com/forgeline/phasor/pkg/persistence"
)

// EventLogRepository stores each job's journal as a Redis list. RPUSH returns
// the new list length, which doubles as the record's sequence number.
type EventLogRepository struct {
	client goredis.UniversalClient
}

// NewEventLogRepository creates a new event log repository.
func NewEventLogRepository(client goredis.UniversalClient) *EventLogRepository {
	return &EventLogRepository{client: client}
}

func eventLogKey(jobID string) string {
	return keyPrefix + "events:" + jobID
}

// Append adds one event to the job's journal and returns its sequence number.
func (er *EventLogRepository) Append(ctx context.Context, jobID string, data []byte) (uint64, error) {
	length, err := er.client.RPush(ctx, eventLogKey(jobID), data).Result()
	if err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}

	return uint64(length), nil
}

// ReadFrom returns every record with seq > offset, in order.
func (er *EventLogRepository) ReadFrom(ctx context.Context, jobID string, offset uint64) ([]persistence.EventRecord, error) {
	return er.rangeRecords(ctx, jobID, int64(offset), -1, offset)
}

// Tail returns the last n records, in order.
func (er *EventLogRepository) Tail(ctx context.Context, jobID string, n int) ([]persistence.EventRecord, error) {
	length, err := er.client.LLen(ctx, eventLogKey(jobID)).Result()
	if err != nil {
		return nil, persistence.NewJobError("Tail", jobID, err)
	}

	start := length - int64(n)
	if n <= 0 || start < 0 {
		start = 0
	}

	return er.rangeRecords(ctx, jobID, start, -1, uint64(start))
}

func (er *EventLogRepository) rangeRecords(ctx context.Context, jobID string, start, stop int64, seqBase uint64) ([]persistence.EventRecord, error) {
	lines, err := er.client.LRange(ctx, eventLogKey(jobID), start, stop).Result()
	if err != nil {
		return nil, persistence.NewJobError("ReadFrom", jobID, err)
	}

	records := make([]persistence.EventRecord, 0, len(lines))

	for i, line := range lines {
		records = append(records, persistence.EventRecord{
			Seq:  seqBase + uint64(i) + 1,
			Data: json.RawMessage(line),
		})
	}

	return records, nil
}
