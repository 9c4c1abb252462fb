// Package queue implements the work queue: a Postgres-backed job
// table that Workers lease, heartbeat, and ack/nack against. The event log
// is the source of truth for progress; the queue only tracks which jobs are
// in flight.
package queue

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Status is a queue job's lifecycle state.
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// JSON is a generic JSON-backed column type, mirroring eventlog.JSON.
type JSON struct {
	Raw any
}

func (j JSON) Value() (driver.Value, error) {
	if j.Raw == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.Raw)
}

// MarshalJSON implements json.Marshaler so JSON columns round-trip over the
// wire as the bare value they hold, not as a {"Value": ...} wrapper.
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.Raw == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.Raw)
}

// UnmarshalJSON implements json.Unmarshaler, the counterpart to MarshalJSON.
func (j *JSON) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.Raw)
}

func (j *JSON) Scan(src any) error {
	if src == nil {
		j.Raw = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("queue: unsupported type for JSON column")
	}
	return json.Unmarshal(data, &j.Raw)
}

// AsMap returns the JSON value as a map, or an empty map when it isn't one.
func (j JSON) AsMap() map[string]any {
	if m, ok := j.Raw.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Job is one row of the work queue.
type Job struct {
	ID             int64      `db:"id" json:"id"`
	ExecutionID    int64      `db:"execution_id" json:"execution_id"`
	NodeID         string     `db:"node_id" json:"node_id"`
	Action         JSON       `db:"action" json:"action"`
	Context        JSON       `db:"context" json:"context"`
	Priority       int        `db:"priority" json:"priority"`
	Status         Status     `db:"status" json:"status"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	AvailableAt    time.Time  `db:"available_at" json:"available_at"`
	WorkerID       *string    `db:"worker_id" json:"worker_id,omitempty"`
	LeaseUntil     *time.Time `db:"lease_until" json:"lease_until,omitempty"`
	LastHeartbeat  *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ErrNotFound is returned when a job id doesn't exist.
var ErrNotFound = errors.New("queue: not found")

// ErrWorkerMismatch is returned when a heartbeat/ack/nack names a worker_id
// that doesn't match the job's current lease holder.
var ErrWorkerMismatch = errors.New("queue: worker id does not match lease holder")

// EnqueueInput describes a new job to enqueue.
type EnqueueInput struct {
	ExecutionID int64
	NodeID      string
	Action      any
	Context     any
	Priority    int
	MaxAttempts int
	AvailableAt time.Time
}

// SizeByStatus reports counts per status, for backpressure telemetry.
type SizeByStatus map[Status]int
