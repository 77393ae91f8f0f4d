package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgeline/phasor/pkg/persistence"
)

// EventLogRepository stores one JSONL journal per job under <root>/events.
// Each line is a persistence.EventRecord; sequence numbers start at 1 and
// never repeat within a log.
type EventLogRepository struct {
	mu   sync.Mutex
	root string
	seqs map[string]uint64 // Last sequence per job, lazily recovered from disk
}

// NewEventLogRepository creates a new event log repository.
func NewEventLogRepository(root string) *EventLogRepository {
	return &EventLogRepository{root: root, seqs: make(map[string]uint64)}
}

func (er *EventLogRepository) logPath(jobID string) string {
	return filepath.Join(er.root, "events", jobID+".jsonl")
}

// Append adds one event to the job's journal and returns its sequence number.
func (er *EventLogRepository) Append(ctx context.Context, jobID string, data []byte) (uint64, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(er.root, "events"), 0o755); err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}

	last, ok := er.seqs[jobID]
	if !ok {
		recovered, err := er.lastSeq(ctx, jobID)
		if err != nil {
			return 0, persistence.NewJobError("Append", jobID, err)
		}

		last = recovered
	}

	record := persistence.EventRecord{Seq: last + 1, Data: data}

	line, err := json.Marshal(record)
	if err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}

	file, err := os.OpenFile(er.logPath(jobID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}

	er.seqs[jobID] = record.Seq

	return record.Seq, nil
}

// ReadFrom returns every record with Seq > offset, in order.
func (er *EventLogRepository) ReadFrom(ctx context.Context, jobID string, offset uint64) ([]persistence.EventRecord, error) {
	records, err := er.readAll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var out []persistence.EventRecord

	for _, record := range records {
		if record.Seq > offset {
			out = append(out, record)
		}
	}

	return out, nil
}

// Tail returns the last n records, in order.
func (er *EventLogRepository) Tail(ctx context.Context, jobID string, n int) ([]persistence.EventRecord, error) {
	records, err := er.readAll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}

	return records, nil
}

func (er *EventLogRepository) readAll(_ context.Context, jobID string) ([]persistence.EventRecord, error) {
	file, err := os.Open(er.logPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, persistence.NewJobError("ReadFrom", jobID, err)
	}
	defer file.Close()

	var records []persistence.EventRecord

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record persistence.EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			// A torn trailing line from a crashed writer ends the log.
			break
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log for job %s: %w", jobID, err)
	}

	return records, nil
}

func (er *EventLogRepository) lastSeq(ctx context.Context, jobID string) (uint64, error) {
	records, err := er.readAll(ctx, jobID)
	if err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return 0, nil
	}

	return records[len(records)-1].Seq, nil
}
