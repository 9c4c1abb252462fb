// Package aggregator implements the result-aggregation job: the
// executor for the `result_aggregation` task type the Loop Coordinator
// enqueues after a loop finishes. It loads the loop's completed iteration
// results and emits a final `result` event bound to the aggregation node,
// keeping that fold off the Broker's own request path so the pressure it
// puts on the event log is bounded by queue capacity rather than evaluator
// concurrency.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/task"
)

// ObjectStore is the slice of the S3 client the archival sink needs.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Executor implements task.Executor for the `result_aggregation` kind.
type Executor struct {
	log     *eventlog.Log
	archive ObjectStore
	bucket  string
	logger  *slog.Logger
}

// New constructs an aggregator Executor bound to the event log.
func New(log *eventlog.Log) *Executor {
	return &Executor{log: log, logger: slog.Default()}
}

// NewWithArchive constructs an aggregator Executor that additionally mirrors
// every aggregate it emits to an S3 bucket. The archive write is best-effort:
// the event log stays the source of truth and an S3 failure never fails the
// aggregation job itself.
func NewWithArchive(log *eventlog.Log, store ObjectStore, bucket string, logger *slog.Logger) *Executor {
	return &Executor{log: log, archive: store, bucket: bucket, logger: logger}
}

// Execute reads {parent_execution_id, loop_step, iteration_event_ids} from
// the task's rendered args, fetches each named iteration event, sorts them
// by current_index, and emits a `result` event carrying the normalized list.
func (e *Executor) Execute(ctx context.Context, t task.Task, args map[string]any) task.Result {
	parentExecutionID, ok := asInt64(args["parent_execution_id"])
	if !ok {
		return task.Failf("aggregator: missing parent_execution_id")
	}
	loopStep, _ := args["loop_step"].(string)
	if loopStep == "" {
		return task.Failf("aggregator: missing loop_step")
	}
	eventIDs := asInt64Slice(args["iteration_event_ids"])

	events := make([]eventlog.Event, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		ev, err := e.log.FetchByEventID(ctx, parentExecutionID, eventID)
		if err != nil {
			return task.Fail(fmt.Errorf("aggregator: fetch iteration event %d: %w", eventID, err))
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		return indexOf(events[i]) < indexOf(events[j])
	})

	results := make([]any, 0, len(events))
	for _, ev := range events {
		results = append(results, ev.Result.Raw)
	}
	aggregate := map[string]any{"results": results, "count": len(results), "data": results}

	nodeID := fmt.Sprintf("%d:%s:aggregate", parentExecutionID, loopStep)
	if _, err := e.log.Append(ctx, eventlog.Event{
		ExecutionID: parentExecutionID,
		EventType:   eventlog.EventResult,
		NodeName:    loopStep,
		NodeType:    eventlog.NodeLoopTracker,
		NodeID:      nodeID,
		Status:      eventlog.StatusCompleted,
		Result:      eventlog.JSON{Raw: aggregate},
	}); err != nil {
		return task.Fail(fmt.Errorf("aggregator: emit aggregated result: %w", err))
	}

	e.archiveAggregate(ctx, parentExecutionID, loopStep, aggregate)

	return task.Success(aggregate)
}

func (e *Executor) archiveAggregate(ctx context.Context, executionID int64, loopStep string, aggregate map[string]any) {
	if e.archive == nil || e.bucket == "" {
		return
	}
	payload, err := json.Marshal(aggregate)
	if err != nil {
		e.logger.Warn("aggregator: encode archive payload failed", "execution_id", executionID, "loop_step", loopStep, "error", err)
		return
	}
	key := fmt.Sprintf("executions/%d/loops/%s.json", executionID, loopStep)
	_, err = e.archive.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		e.logger.Warn("aggregator: archive write failed", "bucket", e.bucket, "key", key, "error", err)
		return
	}
	e.logger.Debug("aggregator: aggregate archived", "bucket", e.bucket, "key", key)
}

func indexOf(ev eventlog.Event) int {
	if ev.CurrentIndex == nil {
		return 0
	}
	return *ev.CurrentIndex
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asInt64Slice(v any) []int64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		if n, ok := asInt64(item); ok {
			out = append(out, n)
		}
	}
	return out
}
