// Package loopcoord implements the loop coordinator: expansion of a
// step's `loop` block into per-item jobs, and idempotent tracking of their
// completion into a single aggregated result for the loop step.
package loopcoord

import (
	"context"
	"fmt"
	"sort"

	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/render"
	"github.com/gorax/flow/internal/retry"
)

const (
	asyncPriority       = 1000
	sequentialBase      = 1000
	aggregationTaskType = "result_aggregation"
)

// Coordinator expands loop steps and tracks their completion.
type Coordinator struct {
	log      *eventlog.Log
	queue    *queue.Queue
	renderer *render.Renderer
}

// New constructs a Coordinator.
func New(log *eventlog.Log, q *queue.Queue, renderer *render.Renderer) *Coordinator {
	return &Coordinator{log: log, queue: q, renderer: renderer}
}

// Expand renders the step's `in` expression and enqueues one job per item,
// emitting an idempotent loop_iteration event for each.
func (c *Coordinator) Expand(ctx context.Context, executionID int64, step playbook.Step, action map[string]any, evalCtx map[string]any) error {
	loop := step.Loop
	if loop == nil {
		return fmt.Errorf("loopcoord: step %q has no loop block", step.StepName())
	}

	rawItems, err := c.renderer.Evaluate(loop.In, evalCtx)
	if err != nil {
		return fmt.Errorf("loopcoord: render loop.in for %q: %w", step.StepName(), err)
	}
	items, ok := rawItems.([]any)
	if !ok {
		return fmt.Errorf("loopcoord: loop.in for %q did not evaluate to a list", step.StepName())
	}

	stepName := step.StepName()
	sequential := loop.EffectiveMode() == playbook.LoopSequential
	maxAttempts := retry.FromPlaybook(step.Retry).MaxAttempts

	for idx, item := range items {
		exists, err := c.log.ExistsLoopIteration(ctx, executionID, stepName, idx)
		if err != nil {
			return fmt.Errorf("loopcoord: check loop iteration %d: %w", idx, err)
		}

		loopMeta := map[string]any{
			"loop_id":       fmt.Sprintf("%d:%s", executionID, stepName),
			"loop_name":     stepName,
			"iterator":      loop.Iterator,
			"current_index": idx,
			"current_item":  item,
			"items_count":   len(items),
			"mode":          string(loop.EffectiveMode()),
		}

		if !exists {
			idxCopy := idx
			iterEventCtx := map[string]any{
				"work":  map[string]any{"step_name": stepName},
				"_loop": loopMeta,
			}
			if sequential {
				// A sequential iteration beyond index 0 is enqueued only
				// after its predecessor resolves; the loop_iteration event
				// keeps the task descriptor so that later enqueue doesn't
				// need the playbook re-rendered.
				iterEventCtx["action"] = action
			}
			_, err := c.log.Append(ctx, eventlog.Event{
				ExecutionID:  executionID,
				EventType:    eventlog.EventLoopIteration,
				NodeName:     stepName,
				NodeType:     eventlog.NodeLoop,
				Status:       eventlog.StatusRunning,
				CurrentIndex: &idxCopy,
				Context:      eventlog.JSON{Raw: iterEventCtx},
			})
			if err != nil {
				return fmt.Errorf("loopcoord: emit loop_iteration %d: %w", idx, err)
			}
		}

		if sequential && idx > 0 {
			continue
		}

		if err := c.enqueueIteration(ctx, executionID, stepName, idx, action, loop.Iterator, item, loopMeta, sequential, maxAttempts); err != nil {
			return err
		}
	}

	return nil
}

// enqueueIteration enqueues one loop iteration's job, unless a job row for
// that iteration already exists in any status (a done row means it already
// ran; re-inserting would re-execute the step).
func (c *Coordinator) enqueueIteration(ctx context.Context, executionID int64, stepName string, idx int, action map[string]any, iterator string, item any, loopMeta map[string]any, sequential bool, maxAttempts int) error {
	nodeID := fmt.Sprintf("%d:%s:%d", executionID, stepName, idx)
	exists, err := c.queue.ExistsForNode(ctx, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("loopcoord: check job for iteration %d: %w", idx, err)
	}
	if exists {
		return nil
	}

	priority := asyncPriority
	if sequential {
		priority = sequentialBase - idx
	}

	iterContext := map[string]any{}
	for k, v := range action {
		iterContext[k] = v
	}
	if iterator != "" {
		iterContext[iterator] = item
	}
	iterContext["_loop"] = loopMeta

	if _, _, err := c.queue.Enqueue(ctx, queue.EnqueueInput{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Action:      action,
		Context:     iterContext,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}); err != nil {
		return fmt.Errorf("loopcoord: enqueue iteration %d: %w", idx, err)
	}
	return nil
}

// CheckCompletions refreshes the loop step's completion state and, once
// every iteration has a meaningful result and no final event has already
// been emitted, emits the single aggregated completion sequence.
// Returns true when it just finalized the loop.
func (c *Coordinator) CheckCompletions(ctx context.Context, executionID int64, stepName string) (bool, error) {
	total, err := c.log.CountByType(ctx, executionID, eventlog.EventLoopIteration, stepName)
	if err != nil {
		return false, fmt.Errorf("loopcoord: count loop_iteration: %w", err)
	}
	if total == 0 {
		return false, nil
	}

	alreadyFinal, err := c.finalActionCompletedExists(ctx, executionID, stepName)
	if err != nil {
		return false, err
	}
	if alreadyFinal {
		return false, nil
	}

	iterations, err := c.log.IterationEvents(ctx, executionID, stepName)
	if err != nil {
		return false, fmt.Errorf("loopcoord: fetch iteration events: %w", err)
	}

	// Resolve each iteration's most meaningful available result. A
	// sub-playbook iteration's action_completed
	// only carries the child_execution_id stub returned the instant the
	// child starts (internal/task/playbook_step.go); the real result isn't
	// known until the child's own execution_complete is observed, so that
	// iteration stays unresolved (and the loop un-finalized) until then.
	dedup := dedupeByIndex(iterations)
	resolved := make(map[int]eventlog.JSON, total)
	for _, ev := range dedup {
		result, ok, err := c.resolveIterationResult(ctx, executionID, ev)
		if err != nil {
			return false, err
		}
		if ok {
			resolved[indexOf(ev)] = result
		}
	}

	expectedIDs := make([]string, total)
	for i := 0; i < total; i++ {
		expectedIDs[i] = fmt.Sprintf("%d:%s:%d", executionID, stepName, i)
	}
	final := len(resolved) == total

	if !final {
		if err := c.refreshEndLoopTracking(ctx, executionID, stepName, expectedIDs, len(resolved), total, false); err != nil {
			return false, err
		}
		if err := c.advanceSequential(ctx, executionID, stepName, resolved); err != nil {
			return false, err
		}
		return false, nil
	}

	// The count-based alreadyFinal check above is only a cheap early exit;
	// two brokers can both pass it on stale reads. The loop_finalized row
	// is the real arbiter: whoever inserts it first emits the final
	// sequence, everyone else backs off here.
	claimed, err := c.log.ClaimLoopFinalization(ctx, executionID, stepName)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := c.refreshEndLoopTracking(ctx, executionID, stepName, expectedIDs, len(resolved), total, true); err != nil {
		return false, err
	}

	results := make([]any, total)
	for i := 0; i < total; i++ {
		results[i] = resolved[i].Raw
	}

	aggregate := map[string]any{"results": results, "count": len(results), "data": results}
	loopContext := map[string]any{
		"work":          map[string]any{"step_name": stepName},
		"loop_completed": true,
	}

	if _, err := c.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventActionCompleted,
		NodeName:    stepName,
		NodeType:    eventlog.NodeLoop,
		Status:      eventlog.StatusCompleted,
		Context:     eventlog.JSON{Raw: loopContext},
		Result:      eventlog.JSON{Raw: aggregate},
	}); err != nil {
		return false, fmt.Errorf("loopcoord: emit final action_completed: %w", err)
	}

	if _, err := c.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventResult,
		NodeName:    stepName,
		NodeType:    eventlog.NodeLoop,
		Status:      eventlog.StatusCompleted,
		Context:     eventlog.JSON{Raw: loopContext},
		Result:      eventlog.JSON{Raw: aggregate},
	}); err != nil {
		return false, fmt.Errorf("loopcoord: emit result: %w", err)
	}

	if _, err := c.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventStepCompleted,
		NodeName:    stepName,
		NodeType:    eventlog.NodeLoop,
		Status:      eventlog.StatusCompleted,
		Context:     eventlog.JSON{Raw: loopContext},
	}); err != nil {
		return false, fmt.Errorf("loopcoord: emit step_completed: %w", err)
	}

	if _, err := c.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventLoopCompleted,
		NodeName:    stepName,
		NodeType:    eventlog.NodeLoop,
		Status:      eventlog.StatusCompleted,
		Context:     eventlog.JSON{Raw: loopContext},
	}); err != nil {
		return false, fmt.Errorf("loopcoord: emit loop_completed: %w", err)
	}

	sort.Slice(dedup, func(i, j int) bool {
		return indexOf(dedup[i]) < indexOf(dedup[j])
	})

	aggNodeID := fmt.Sprintf("%d:%s:aggregate", executionID, stepName)
	eventIDs := make([]int64, 0, len(dedup))
	for _, ev := range dedup {
		eventIDs = append(eventIDs, ev.EventID)
	}
	if _, _, err := c.queue.Enqueue(ctx, queue.EnqueueInput{
		ExecutionID: executionID,
		NodeID:      aggNodeID,
		Action: map[string]any{
			"type":                aggregationTaskType,
			"parent_execution_id": executionID,
			"loop_step":           stepName,
			"iteration_event_ids": eventIDs,
		},
		Priority:    asyncPriority,
		MaxAttempts: retry.Default().MaxAttempts,
	}); err != nil {
		return false, fmt.Errorf("loopcoord: enqueue result_aggregation: %w", err)
	}

	return true, nil
}

// advanceSequential enqueues the lowest-index iteration of a sequential
// loop that has not resolved yet, so at most one of its jobs exists at a
// time and iterations run in ascending index order. Async loops (and loops
// whose iterations are all in flight or resolved) are a no-op.
func (c *Coordinator) advanceSequential(ctx context.Context, executionID int64, stepName string, resolved map[int]eventlog.JSON) error {
	iters, err := c.log.LoopIterationEvents(ctx, executionID, stepName)
	if err != nil {
		return fmt.Errorf("loopcoord: loop iteration events: %w", err)
	}

	for _, ev := range iters {
		meta, _ := ev.Context.AsMap()["_loop"].(map[string]any)
		if mode, _ := meta["mode"].(string); mode != string(playbook.LoopSequential) {
			return nil
		}
		idx := indexOf(ev)
		if _, done := resolved[idx]; done {
			continue
		}
		action, _ := ev.Context.AsMap()["action"].(map[string]any)
		iterator, _ := meta["iterator"].(string)
		maxAttempts := retry.FromAction(action["retry"]).MaxAttempts
		return c.enqueueIteration(ctx, executionID, stepName, idx, action, iterator, ev.CurrentItem.Raw, meta, true, maxAttempts)
	}
	return nil
}

func (c *Coordinator) finalActionCompletedExists(ctx context.Context, executionID int64, stepName string) (bool, error) {
	count, err := c.log.CountFinalLoopCompletions(ctx, executionID, stepName)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// resolveIterationResult resolves one iteration's most meaningful
// available result, in preference order: a sub-playbook
// iteration's child execution_complete.result, else the iteration's own
// action_completed.result when that's already meaningful, else the most
// recent non-empty result recorded anywhere for the step. Returns ok=false
// when the iteration has no meaningful result yet (still pending).
func (c *Coordinator) resolveIterationResult(ctx context.Context, executionID int64, ev eventlog.Event) (eventlog.JSON, bool, error) {
	if childID, ok := childExecutionID(ev.Result); ok {
		children, err := c.log.ChildExecutionCompletions(ctx, executionID)
		if err != nil {
			return eventlog.JSON{}, false, fmt.Errorf("loopcoord: child execution completions: %w", err)
		}
		for _, child := range children {
			if child.ExecutionID == childID {
				return child.Result, true, nil
			}
		}
		return eventlog.JSON{}, false, nil
	}

	if meaningfulIterationResult(ev.Result) {
		return ev.Result, true, nil
	}

	return c.log.LatestNonEmptyResult(ctx, executionID, ev.NodeName)
}

// childExecutionID extracts the child execution id a sub-playbook
// iteration's action_completed stub carries (internal/task/
// playbook_step.go returns {child_execution_id, path, version} the instant
// the child starts, not the child's real output).
func childExecutionID(result eventlog.JSON) (int64, bool) {
	m, ok := result.Raw.(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := m["child_execution_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// meaningfulIterationResult mirrors the eventlog package's "meaningful
// result" test ({skipped:true} and {reason:control_step} placeholders do
// not count) for a single already-fetched result value.
func meaningfulIterationResult(result eventlog.JSON) bool {
	if result.Raw == nil {
		return false
	}
	m, ok := result.Raw.(map[string]any)
	if !ok {
		return true
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

// refreshEndLoopTracking ensures an end_loop tracking event exists for the
// step and appends an updated snapshot on every broker tick. The event
// log is append-only,
// so "refreshing" means recording a new tracking event; readers take the
// latest end_loop event for the step as the current tracking state.
func (c *Coordinator) refreshEndLoopTracking(ctx context.Context, executionID int64, stepName string, expectedIDs []string, completedCount, total int, final bool) error {
	status := eventlog.StatusTracking
	if final {
		status = eventlog.StatusCompleted
	}
	trackingCtx := map[string]any{
		"work":              map[string]any{"step_name": stepName},
		"expected_children": expectedIDs,
		"completed_count":   completedCount,
		"total":             total,
	}
	_, err := c.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventEndLoop,
		NodeName:    stepName,
		NodeType:    eventlog.NodeLoopTracker,
		Status:      status,
		Context:     eventlog.JSON{Raw: trackingCtx},
	})
	if err != nil {
		return fmt.Errorf("loopcoord: refresh end_loop tracking: %w", err)
	}
	return nil
}

func dedupeByIndex(events []eventlog.Event) []eventlog.Event {
	seen := make(map[int]eventlog.Event, len(events))
	for _, ev := range events {
		if ev.CurrentIndex == nil {
			continue
		}
		if _, ok := seen[*ev.CurrentIndex]; !ok {
			seen[*ev.CurrentIndex] = ev
		}
	}
	out := make([]eventlog.Event, 0, len(seen))
	for _, ev := range seen {
		out = append(out, ev)
	}
	return out
}

func indexOf(ev eventlog.Event) int {
	if ev.CurrentIndex == nil {
		return 0
	}
	return *ev.CurrentIndex
}
