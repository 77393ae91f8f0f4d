package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeline/phasor/pkg/persistence"
)

// EventLogRepository stores per-job event journals in the job_events table.
type EventLogRepository struct {
	db *sql.DB
}

// NewEventLogRepository creates a new event log repository.
func NewEventLogRepository(db *sql.DB) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// Append inserts the next event for the job. The sequence is assigned inside
// the insert, so concurrent appenders never produce gaps or duplicates.
func (er *EventLogRepository) Append(ctx context.Context, jobID string, data []byte) (uint64, error) {
	query := `
		INSERT INTO job_events (job_id, seq, data)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = $1), $2)
		RETURNING seq
	`

	var seq uint64

	err := er.db.QueryRowContext(ctx, query, jobID, data).Scan(&seq)
	if err != nil {
		return 0, persistence.NewJobError("Append", jobID, err)
	}

	return seq, nil
}

// ReadFrom returns every record with seq > offset, in order.
func (er *EventLogRepository) ReadFrom(ctx context.Context, jobID string, offset uint64) ([]persistence.EventRecord, error) {
	query := "SELECT seq, data FROM job_events WHERE job_id = $1 AND seq > $2 ORDER BY seq"

	return er.query(ctx, jobID, query, jobID, offset)
}

// Tail returns the last n records, in order.
func (er *EventLogRepository) Tail(ctx context.Context, jobID string, n int) ([]persistence.EventRecord, error) {
	query := `
		SELECT seq, data FROM (
			SELECT seq, data FROM job_events WHERE job_id = $1 ORDER BY seq DESC LIMIT $2
		) AS recent ORDER BY seq
	`

	return er.query(ctx, jobID, query, jobID, n)
}

func (er *EventLogRepository) query(ctx context.Context, jobID, query string, args ...any) ([]persistence.EventRecord, error) {
	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewJobError("ReadFrom", jobID, err)
	}
	defer rows.Close()

	var records []persistence.EventRecord

	for rows.Next() {
		var record persistence.EventRecord
		if err := rows.Scan(&record.Seq, &record.Data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	return records, nil
}
