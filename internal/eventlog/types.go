// Package eventlog implements the append-only event journal: the
// primary, authoritative state of every execution. Events are never
// updated once written; all progress is reconstructed by scanning them.
package eventlog

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// NodeType classifies the kind of graph node an event refers to.
type NodeType string

const (
	NodePlaybook    NodeType = "playbook"
	NodeStep        NodeType = "step"
	NodeTask        NodeType = "task"
	NodeLoop        NodeType = "loop"
	NodeIterator    NodeType = "iterator"
	NodeLoopTracker NodeType = "loop_tracker"
	NodeControl     NodeType = "control"
)

// Status is the lifecycle status carried by an event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTracking  Status = "tracking"
)

// Canonical event type vocabulary. Legacy aliases are normalized to these
// on insert.
const (
	EventExecutionStart        = "execution_start"
	EventExecutionComplete     = "execution_complete"
	EventStepStarted           = "step_started"
	EventStepCompleted         = "step_completed"
	EventStepRetry             = "step_retry"
	EventStepRetryExhausted    = "step_retry_exhausted"
	EventStepFailedTerminal    = "step_failed_terminal"
	EventActionStarted         = "action_started"
	EventActionCompleted       = "action_completed"
	EventActionError           = "action_error"
	EventResult                = "result"
	EventStepResult            = "step_result"
	EventLoopIteration         = "loop_iteration"
	EventEndLoop               = "end_loop"
	EventLoopCompleted         = "loop_completed"
)

// legacyAliases maps deprecated event-type spellings to their canonical form.
var legacyAliases = map[string]string{
	"execution_started":   EventExecutionStart,
	"execution_completed": EventExecutionComplete,
}

// NormalizeEventType resolves legacy aliases to the canonical event type.
func NormalizeEventType(eventType string) string {
	if canonical, ok := legacyAliases[eventType]; ok {
		return canonical
	}
	return eventType
}

// JSON is a generic JSON-backed column type for context/result/metadata
// payloads, which may be objects, arrays, or scalars.
type JSON struct {
	Raw any
}

// Value implements driver.Valuer.
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

// Scan implements sql.Scanner.
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
		return errors.New("eventlog: unsupported type for JSON column")
	}
	return json.Unmarshal(data, &j.Raw)
}

// AsMap returns the JSON value as a map[string]any, or an empty map when the
// underlying value is nil or not an object.
func (j JSON) AsMap() map[string]any {
	if m, ok := j.Raw.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Event is one immutable record in an execution's history.
type Event struct {
	ExecutionID      int64     `db:"execution_id" json:"execution_id"`
	EventID          int64     `db:"event_id" json:"event_id"`
	EventType        string    `db:"event_type" json:"event_type"`
	NodeID           string    `db:"node_id" json:"node_id"`
	NodeName         string    `db:"node_name" json:"node_name"`
	NodeType         NodeType  `db:"node_type" json:"node_type"`
	Status           Status    `db:"status" json:"status"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	DurationMS       *int64    `db:"duration_ms" json:"duration_ms,omitempty"`
	Context          JSON      `db:"context" json:"context,omitempty"`
	Result           JSON      `db:"result" json:"result,omitempty"`
	Metadata         JSON      `db:"metadata" json:"metadata,omitempty"`
	Error            string    `db:"error" json:"error,omitempty"`
	ParentEventID    *int64    `db:"parent_event_id" json:"parent_event_id,omitempty"`
	ParentExecution  *int64    `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	LoopID           string    `db:"loop_id" json:"loop_id,omitempty"`
	LoopName         string    `db:"loop_name" json:"loop_name,omitempty"`
	Iterator         string    `db:"iterator" json:"iterator,omitempty"`
	CurrentIndex     *int      `db:"current_index" json:"current_index,omitempty"`
	CurrentItem      JSON      `db:"current_item" json:"current_item,omitempty"`
	// TraceID and EmittedBy are observability fields: neither participates
	// in any invariant or broker decision, they only let an operator
	// correlate an event back to the HTTP request that produced it and the
	// logical component that emitted it.
	TraceID     string `db:"trace_id" json:"trace_id,omitempty"`
	EmittedBy   string `db:"emitted_by" json:"emitted_by,omitempty"`
}

// UnmarshalJSON accepts the legacy input_context/output_result field names
// as aliases for context/result in addition to the canonical spelling, so
// callers on either vocabulary can POST to /events.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := (*alias)(e)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if e.Context.Raw == nil {
		if v, ok := raw["input_context"]; ok {
			if err := json.Unmarshal(v, &e.Context.Raw); err != nil {
				return err
			}
		}
	}
	if e.Result.Raw == nil {
		if v, ok := raw["output_result"]; ok {
			if err := json.Unmarshal(v, &e.Result.Raw); err != nil {
				return err
			}
		}
	}
	e.EventType = NormalizeEventType(e.EventType)
	return nil
}

// HasFailed reports whether the event's status or error field marks a
// failure, the trigger for the error-log sink write.
func (e Event) HasFailed() bool {
	s := string(e.Status)
	return containsFold(s, "error") || containsFold(s, "failed") || e.Error != ""
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			a, b := haystack[i+j], needle[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when a lookup by execution/event id finds nothing.
var ErrNotFound = errors.New("eventlog: not found")
