package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordMatchesPhase(t *testing.T) {
	phaseEntry := []byte(`{"type":"phase.started","event":{"job_id":"job-1","phase_id":"implement"}}`)
	jobEntry := []byte(`{"type":"job.started","event":{"job_id":"job-1"}}`)

	assert.True(t, recordMatchesPhase(phaseEntry, "implement"))
	assert.False(t, recordMatchesPhase(phaseEntry, "design"))
	assert.False(t, recordMatchesPhase(jobEntry, "implement"), "job-level entries carry no phase id")
	assert.False(t, recordMatchesPhase([]byte("not json"), "implement"))
}
