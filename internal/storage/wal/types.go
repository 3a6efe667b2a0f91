package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Job accepted by a queue
	EventActivate EventType = "ACTIVATE" // Job claimed by a worker
	EventComplete EventType = "COMPLETE" // Worker reported success
	EventRetry    EventType = "RETRY"    // Failed attempt, scheduled again after backoff
	EventFail     EventType = "FAIL"     // Attempts exhausted or permanent error
	EventCancel   EventType = "CANCEL"   // Job cancelled by a caller
	EventRemove   EventType = "REMOVE"   // Job dropped by clean or a retention cap
)

// Event represents a WAL event record.
//
// Every event carries the full post-transition job record, so replay is a
// sequence of idempotent upserts (or removals) rather than a re-execution of
// the transition logic.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	Queue     types.QueueName `json:"queue"`     // Owning queue
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Record    json.RawMessage `json:"record,omitempty"`
	Checksum  uint32          `json:"checksum"` // CRC32 checksum
}

// Job decodes the job record carried by the event.
func (e Event) Job() (*types.Job, error) {
	if len(e.Record) == 0 {
		return nil, fmt.Errorf("wal: event %d (%s) has no job record", e.Seq, e.Type)
	}
	var job types.Job
	if err := json.Unmarshal(e.Record, &job); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
