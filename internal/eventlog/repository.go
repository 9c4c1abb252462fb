package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gorax/flow/internal/render"
	"github.com/gorax/flow/internal/sanitize"
)

// Subscriber is notified after an event is durably appended. The Broker
// registers itself (via the Dispatcher) as a Subscriber; the Log never
// imports the Broker directly, breaking the cyclic dependency the original
// implementation had between its event service and its broker.
type Subscriber interface {
	OnEvent(ctx context.Context, event Event)
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx, the value Append falls back to
// when a caller omits Event.TraceID. httpapi stamps the inbound request's
// id here before calling Append; Append re-attaches the resolved trace id
// to the context it hands subscribers, so every event the Broker/Loop
// Coordinator derive from one triggering request carries the same id
// without a second round-trip to the store.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id attached via WithTraceID, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey{}).(string)
	return v, ok && v != ""
}

// Log is the Postgres-backed append-only event journal.
type Log struct {
	db          *sqlx.DB
	logger      *slog.Logger
	subscribers []Subscriber
	sanitizer   *sanitize.Sanitizer
}

// New constructs a Log bound to a Postgres connection.
func New(db *sqlx.DB, logger *slog.Logger) *Log {
	return &Log{db: db, logger: logger, sanitizer: sanitize.New()}
}

// Subscribe registers a controller to be notified after every successful
// append. Subscribers run synchronously and in registration order; a
// subscriber must not block the caller for long since the HTTP handler
// awaits it to surface failures.
func (l *Log) Subscribe(s Subscriber) {
	l.subscribers = append(l.subscribers, s)
}

// Append persists an event, deriving any fields the caller omitted, and
// notifies subscribers once the write is durable. Re-appending an event
// with a duplicate (execution_id, event_id) is a silent no-op; the
// existing record is returned and subscribers are not re-notified.
func (l *Log) Append(ctx context.Context, event Event) (Event, error) {
	event.EventType = NormalizeEventType(event.EventType)
	event.Timestamp = time.Now().UTC()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if event.ExecutionID == 0 {
		if event.EventType != EventExecutionStart {
			return Event{}, fmt.Errorf("eventlog: event %q carries no execution id", event.EventType)
		}
		id, err := allocateExecutionID(ctx, tx)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: allocate execution id: %w", err)
		}
		event.ExecutionID = id
	}

	if event.EventID == 0 {
		id, err := allocateEventID(ctx, tx, event.ExecutionID)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: allocate event id: %w", err)
		}
		event.EventID = id
	}

	if event.ParentEventID == nil {
		parent, ok, err := latestEventID(ctx, tx, event.ExecutionID)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: find parent event: %w", err)
		}
		if ok {
			event.ParentEventID = &parent
		}
	}

	if event.TraceID == "" {
		if tid, ok := TraceIDFromContext(ctx); ok {
			event.TraceID = tid
		}
	}

	l.inferNodeFields(&event)

	// An execution_complete inherits the parent linkage its execution_start
	// declared, so observers (the loop coordinator's child-completion scan,
	// the dispatcher's parent re-evaluation) can find it by
	// parent_execution_id without a join.
	if event.EventType == EventExecutionComplete && event.ParentExecution == nil {
		parent, ok, err := parentExecutionOf(ctx, tx, event.ExecutionID)
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: resolve parent execution: %w", err)
		}
		if ok {
			event.ParentExecution = &parent
		}
	}

	if event.EventType == EventExecutionStart {
		if err := upsertWorkload(ctx, tx, event.ExecutionID, event.Context.AsMap()); err != nil {
			return Event{}, fmt.Errorf("eventlog: persist workload: %w", err)
		}
	}

	stored, inserted, err := insertEvent(ctx, tx, event)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: insert event: %w", err)
	}

	if inserted && stored.HasFailed() {
		if err := writeErrorLog(ctx, tx, stored); err != nil {
			return Event{}, fmt.Errorf("eventlog: write error log: %w", err)
		}
		if l.logger != nil {
			l.logger.Warn("eventlog: failure event recorded",
				"execution_id", stored.ExecutionID, "event_id", stored.EventID,
				"node_id", stored.NodeID, "event_type", stored.EventType,
				"context", l.sanitizer.Map(stored.Context.AsMap()))
		}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("eventlog: commit: %w", err)
	}

	if inserted {
		notifyCtx := WithTraceID(ctx, stored.TraceID)
		for _, sub := range l.subscribers {
			sub.OnEvent(notifyCtx, stored)
		}
	}

	return stored, nil
}

// inferNodeFields fills node_name, node_type, and loop metadata from the
// event type and context when the caller left them unset.
func (l *Log) inferNodeFields(event *Event) {
	ctxMap := event.Context.AsMap()

	if event.NodeName == "" {
		if v, ok := render.GetValueByPath(ctxMap, "work.step_name"); ok {
			if s, ok := v.(string); ok {
				event.NodeName = s
			}
		}
	}

	if event.NodeType == "" {
		event.NodeType = inferNodeType(event.EventType)
	}

	if event.EmittedBy == "" {
		event.EmittedBy = inferEmittedBy(event.EventType)
	}

	if loopData, ok := ctxMap["_loop"].(map[string]any); ok {
		if event.LoopID == "" {
			if v, ok := loopData["loop_id"].(string); ok {
				event.LoopID = v
			}
		}
		if event.LoopName == "" {
			if v, ok := loopData["loop_name"].(string); ok {
				event.LoopName = v
			}
		}
		if event.Iterator == "" {
			if v, ok := loopData["iterator"].(string); ok {
				event.Iterator = v
			}
		}
		if event.CurrentIndex == nil {
			if v, ok := loopData["current_index"].(int); ok {
				event.CurrentIndex = &v
			} else if v, ok := loopData["current_index"].(float64); ok {
				idx := int(v)
				event.CurrentIndex = &idx
			}
		}
		if event.CurrentItem.Raw == nil {
			event.CurrentItem = JSON{Raw: loopData["current_item"]}
		}
	}
}

func inferNodeType(eventType string) NodeType {
	switch {
	case hasPrefix(eventType, "execution_"):
		return NodePlaybook
	case hasPrefix(eventType, "action_"):
		return NodeTask
	case hasPrefix(eventType, "loop_"):
		return NodeLoop
	case eventType == EventResult:
		return NodeTask
	default:
		return NodeControl
	}
}

// inferEmittedBy assigns the closed emitted_by vocabulary (broker, worker,
// dispatcher) by event type when a caller leaves it blank. Workers report
// their own action lifecycle; the broker and loop coordinator report
// everything derived from evaluating the graph; execution_start is always
// the dispatcher accepting new work.
func inferEmittedBy(eventType string) string {
	switch eventType {
	case EventActionStarted, EventActionCompleted, EventActionError, EventResult, EventStepResult:
		return "worker"
	case EventExecutionStart:
		return "dispatcher"
	case EventExecutionComplete, EventStepStarted, EventStepCompleted, EventStepRetry,
		EventStepRetryExhausted, EventStepFailedTerminal, EventLoopIteration,
		EventEndLoop, EventLoopCompleted:
		return "broker"
	default:
		return ""
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// allocateExecutionID hands out a fresh monotonic execution id for an
// execution_start posted without one (the path a worker takes when it
// launches a sub-playbook child execution).
func allocateExecutionID(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT nextval('execution_seq')`).Scan(&id)
	return id, err
}

func allocateEventID(ctx context.Context, tx *sqlx.Tx, executionID int64) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO event_id_seq (execution_id, next_id)
		VALUES ($1, 1)
		ON CONFLICT (execution_id) DO UPDATE SET next_id = event_id_seq.next_id + 1
		RETURNING next_id
	`, executionID).Scan(&next)
	return next, err
}

func parentExecutionOf(ctx context.Context, tx *sqlx.Tx, executionID int64) (int64, bool, error) {
	var parent sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT parent_execution_id FROM event
		WHERE execution_id = $1 AND event_type = 'execution_start'
		ORDER BY event_id ASC LIMIT 1
	`, executionID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return parent.Int64, parent.Valid, nil
}

func latestEventID(ctx context.Context, tx *sqlx.Tx, executionID int64) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT event_id FROM event WHERE execution_id = $1 ORDER BY event_id DESC LIMIT 1
	`, executionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func upsertWorkload(ctx context.Context, tx *sqlx.Tx, executionID int64, data map[string]any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workload (execution_id, data, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (execution_id) DO NOTHING
	`, executionID, JSON{Raw: data})
	return err
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, event Event) (Event, bool, error) {
	rows, err := tx.NamedQuery(`
		INSERT INTO event (
			execution_id, event_id, event_type, node_id, node_name, node_type,
			status, timestamp, duration_ms, context, result, metadata, error,
			parent_event_id, parent_execution_id, loop_id, loop_name, iterator,
			current_index, current_item, trace_id, emitted_by
		) VALUES (
			:execution_id, :event_id, :event_type, :node_id, :node_name, :node_type,
			:status, :timestamp, :duration_ms, :context, :result, :metadata, :error,
			:parent_event_id, :parent_execution_id, :loop_id, :loop_name, :iterator,
			:current_index, :current_item, :trace_id, :emitted_by
		)
		ON CONFLICT (execution_id, event_id) DO NOTHING
		RETURNING *
	`, event)
	if err != nil {
		return Event{}, false, err
	}
	defer rows.Close()

	if rows.Next() {
		var stored Event
		if err := rows.StructScan(&stored); err != nil {
			return Event{}, false, err
		}
		return stored, true, nil
	}

	existing, err := fetchByEventIDTx(ctx, tx, event.ExecutionID, event.EventID)
	if err != nil {
		return Event{}, false, err
	}
	return existing, false, nil
}

func writeErrorLog(ctx context.Context, tx *sqlx.Tx, event Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO error_log (execution_id, event_id, node_id, error, occurred_at)
		VALUES ($1, $2, $3, $4, now())
	`, event.ExecutionID, event.EventID, event.NodeID, event.Error)
	return err
}

func fetchByEventIDTx(ctx context.Context, tx *sqlx.Tx, executionID, eventID int64) (Event, error) {
	var event Event
	err := tx.QueryRowxContext(ctx, `
		SELECT * FROM event WHERE execution_id = $1 AND event_id = $2
	`, executionID, eventID).StructScan(&event)
	return event, err
}

// GetWorkload returns the root execution's persisted initial input
// context, written once on execution_start.
func (l *Log) GetWorkload(ctx context.Context, executionID int64) (map[string]any, bool, error) {
	var data JSON
	err := l.db.GetContext(ctx, &data, `SELECT data FROM workload WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eventlog: get workload: %w", err)
	}
	return data.AsMap(), true, nil
}

// FetchByExecution returns every event for an execution, ordered by
// ascending timestamp (equivalently, ascending event_id).
func (l *Log) FetchByExecution(ctx context.Context, executionID int64) ([]Event, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event WHERE execution_id = $1 ORDER BY event_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: fetch by execution: %w", err)
	}
	return events, nil
}

// FetchByEventID returns a single event by its composite key.
func (l *Log) FetchByEventID(ctx context.Context, executionID, eventID int64) (Event, error) {
	var event Event
	err := l.db.QueryRowxContext(ctx, `
		SELECT * FROM event WHERE execution_id = $1 AND event_id = $2
	`, executionID, eventID).StructScan(&event)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: fetch by event id: %w", err)
	}
	return event, nil
}

// CountByType counts events of a given type for an execution, optionally
// scoped to a node name.
func (l *Log) CountByType(ctx context.Context, executionID int64, eventType, nodeName string) (int, error) {
	var count int
	var err error
	if nodeName == "" {
		err = l.db.GetContext(ctx, &count, `
			SELECT count(*) FROM event WHERE execution_id = $1 AND event_type = $2
		`, executionID, eventType)
	} else {
		err = l.db.GetContext(ctx, &count, `
			SELECT count(*) FROM event WHERE execution_id = $1 AND event_type = $2 AND node_name = $3
		`, executionID, eventType, nodeName)
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: count by type: %w", err)
	}
	return count, nil
}

// ListStatuses returns the distinct set of event statuses recorded for an
// execution, used by the Broker to classify execution state.
func (l *Log) ListStatuses(ctx context.Context, executionID int64) ([]Status, error) {
	var statuses []Status
	err := l.db.SelectContext(ctx, &statuses, `
		SELECT DISTINCT status FROM event WHERE execution_id = $1
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list statuses: %w", err)
	}
	return statuses, nil
}

// ExistsEventType reports whether any event of the given type and node name
// exists for the execution, the basis of the Broker's idempotent-enqueue and
// step_completed-marker guards.
func (l *Log) ExistsEventType(ctx context.Context, executionID int64, eventType, nodeName string) (bool, error) {
	count, err := l.CountByType(ctx, executionID, eventType, nodeName)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LatestNonEmptyResult returns the most recent non-empty result recorded for
// a node, preferring action_completed over a bare result event, the loop
// coordinator's lookup-preference order.
func (l *Log) LatestNonEmptyResult(ctx context.Context, executionID int64, nodeName string) (JSON, bool, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event
		WHERE execution_id = $1 AND node_name = $2
		  AND event_type IN ('execution_complete', 'action_completed', 'result')
		ORDER BY event_id DESC
	`, executionID, nodeName)
	if err != nil {
		return JSON{}, false, fmt.Errorf("eventlog: latest non-empty result: %w", err)
	}

	for _, e := range events {
		if isMeaningfulResult(e.Result) {
			return e.Result, true, nil
		}
	}
	return JSON{}, false, nil
}

func isMeaningfulResult(result JSON) bool {
	m, ok := result.Raw.(map[string]any)
	if !ok {
		return result.Raw != nil
	}
	if len(m) == 0 {
		return false
	}
	if skipped, ok := m["skipped"].(bool); ok && skipped {
		return false
	}
	if reason, ok := m["reason"].(string); ok && reason == "control_step" {
		return false
	}
	return true
}

// LatestExecutionResult returns the most recent non-empty result recorded
// anywhere in the execution, the payload an execution_complete carries when
// the final step has no result mapping of its own.
func (l *Log) LatestExecutionResult(ctx context.Context, executionID int64) (JSON, bool, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event
		WHERE execution_id = $1
		  AND event_type IN ('action_completed', 'result', 'step_result')
		ORDER BY event_id DESC
	`, executionID)
	if err != nil {
		return JSON{}, false, fmt.Errorf("eventlog: latest execution result: %w", err)
	}
	for _, e := range events {
		if isMeaningfulResult(e.Result) {
			return e.Result, true, nil
		}
	}
	return JSON{}, false, nil
}

// IterationEvents returns the action_completed events for a loop step's
// iterations, ordered by ascending current_index.
func (l *Log) IterationEvents(ctx context.Context, executionID int64, loopName string) ([]Event, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event
		WHERE execution_id = $1 AND loop_name = $2 AND event_type = 'action_completed' AND current_index IS NOT NULL
		ORDER BY current_index ASC
	`, executionID, loopName)
	if err != nil {
		return nil, fmt.Errorf("eventlog: iteration events: %w", err)
	}
	return events, nil
}

// LoopIterationEvents returns the loop_iteration events recorded for a
// step, ordered by ascending current_index, which carry each iteration's
// bound item and (for sequential loops) the task descriptor needed to
// enqueue the next iteration.
func (l *Log) LoopIterationEvents(ctx context.Context, executionID int64, stepName string) ([]Event, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event
		WHERE execution_id = $1 AND node_name = $2 AND event_type = 'loop_iteration'
		ORDER BY current_index ASC
	`, executionID, stepName)
	if err != nil {
		return nil, fmt.Errorf("eventlog: loop iteration events: %w", err)
	}
	return events, nil
}

// ExistsLoopIteration reports whether a loop_iteration event has already
// been recorded for a given step and index, the idempotency guard the loop
// coordinator uses before emitting one.
func (l *Log) ExistsLoopIteration(ctx context.Context, executionID int64, stepName string, index int) (bool, error) {
	var count int
	err := l.db.GetContext(ctx, &count, `
		SELECT count(*) FROM event
		WHERE execution_id = $1 AND node_name = $2 AND event_type = $3 AND current_index = $4
	`, executionID, stepName, EventLoopIteration, index)
	if err != nil {
		return false, fmt.Errorf("eventlog: exists loop iteration: %w", err)
	}
	return count > 0, nil
}

// ClaimLoopFinalization atomically claims the right to emit a loop step's
// final completion sequence. The loop_finalized primary key is the
// arbiter: exactly one caller inserts the row and gets true; every
// concurrent or later caller conflicts and gets false. This is what keeps
// two brokers evaluating the same loop from both appending the final
// action_completed.
func (l *Log) ClaimLoopFinalization(ctx context.Context, executionID int64, stepName string) (bool, error) {
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO loop_finalized (execution_id, node_name, finalized_at)
		VALUES ($1, $2, now())
		ON CONFLICT (execution_id, node_name) DO NOTHING
	`, executionID, stepName)
	if err != nil {
		return false, fmt.Errorf("eventlog: claim loop finalization: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("eventlog: claim loop finalization rows affected: %w", err)
	}
	return n == 1, nil
}

// CountFinalLoopCompletions counts action_completed events for a loop step
// whose context marks loop_completed:true, the guard that keeps the final
// action_completed from ever being emitted twice.
func (l *Log) CountFinalLoopCompletions(ctx context.Context, executionID int64, stepName string) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count, `
		SELECT count(*) FROM event
		WHERE execution_id = $1 AND node_name = $2 AND event_type = $3
		  AND (context->>'loop_completed')::boolean IS TRUE
	`, executionID, stepName, EventActionCompleted)
	if err != nil {
		return 0, fmt.Errorf("eventlog: count final loop completions: %w", err)
	}
	return count, nil
}

// LatestByType returns the most recent event of the given type for a node,
// the lookup the server-side retry decision needs to recover the failure
// details a worker already posted via POST /events before calling
// POST /queue/{id}/fail.
func (l *Log) LatestByType(ctx context.Context, executionID int64, eventType, nodeID string) (Event, bool, error) {
	var event Event
	err := l.db.QueryRowxContext(ctx, `
		SELECT * FROM event
		WHERE execution_id = $1 AND event_type = $2 AND node_id = $3
		ORDER BY event_id DESC LIMIT 1
	`, executionID, eventType, nodeID).StructScan(&event)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("eventlog: latest by type: %w", err)
	}
	return event, true, nil
}

// ChildExecutionCompletions returns execution_complete events whose
// parent_execution_id matches, used by the Loop Coordinator to detect
// sub-playbook loop iterations that finished as child executions.
func (l *Log) ChildExecutionCompletions(ctx context.Context, parentExecutionID int64) ([]Event, error) {
	var events []Event
	err := l.db.SelectContext(ctx, &events, `
		SELECT * FROM event WHERE parent_execution_id = $1 AND event_type = $2
		ORDER BY event_id ASC
	`, parentExecutionID, EventExecutionComplete)
	if err != nil {
		return nil, fmt.Errorf("eventlog: child execution completions: %w", err)
	}
	return events, nil
}
