// Package broker implements the evaluator at the center of the engine: a
// pure function of (execution_id, triggering event) that reconstructs
// progress from the event log on every call and decides what to enqueue
// next. There is no in-memory workflow state; every invocation starts from
// the journal, so any number of broker replicas converge on the same
// decisions.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorax/flow/internal/catalog"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/loopcoord"
	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/render"
	"github.com/gorax/flow/internal/retry"
	"github.com/gorax/flow/internal/workflowindex"
)

type executionState string

const (
	stateFailed     executionState = "failed"
	stateCompleted  executionState = "completed"
	stateInProgress executionState = "in_progress"
	stateInitial    executionState = "initial"
)

// Broker evaluates execution state and drives the next enqueue decisions.
type Broker struct {
	log         *eventlog.Log
	queue       *queue.Queue
	catalog     *catalog.Client
	renderer    *render.Renderer
	loops       *loopcoord.Coordinator
	index       *workflowindex.Index
	logger      *slog.Logger
	settleDelay time.Duration
}

// New constructs a Broker. index may be nil, in which case the Workflow
// Index projection (a purely cached convenience, not a source of truth) is
// simply never populated.
func New(log *eventlog.Log, q *queue.Queue, cat *catalog.Client, renderer *render.Renderer, loops *loopcoord.Coordinator, index *workflowindex.Index, logger *slog.Logger, settleDelay time.Duration) *Broker {
	return &Broker{log: log, queue: q, catalog: cat, renderer: renderer, loops: loops, index: index, logger: logger, settleDelay: settleDelay}
}

// Evaluate is the single entry point: evaluate_execution(execution_id,
// trigger_event_type, trigger_event).
func (b *Broker) Evaluate(ctx context.Context, executionID int64, triggerEventType string, trigger eventlog.Event) error {
	triggerEventType = eventlog.NormalizeEventType(triggerEventType)
	if triggerEventType == eventlog.EventStepStarted {
		return nil
	}

	select {
	case <-time.After(b.settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	events, err := b.log.FetchByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("broker: fetch events: %w", err)
	}

	inFlight, err := b.queue.ExistsInFlightForExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("broker: check in-flight jobs: %w", err)
	}

	switch classify(events, inFlight) {
	case stateFailed, stateCompleted:
		return nil
	case stateInitial:
		return b.initialDispatch(ctx, executionID, events)
	case stateInProgress:
		switch triggerEventType {
		case eventlog.EventActionCompleted, eventlog.EventStepResult:
			if err := b.transition(ctx, executionID, events); err != nil {
				return err
			}
			return b.checkLoops(ctx, executionID, events)
		case eventlog.EventExecutionComplete:
			return b.checkLoops(ctx, executionID, events)
		}
	}
	return nil
}

func classify(events []eventlog.Event, inFlight bool) executionState {
	hasActionCompleted := false
	for _, e := range events {
		// An action_error is a retryable failure: the Retry Controller
		// decides its fate, and exhaustion is recorded separately as
		// step_retry_exhausted / step_failed_terminal. Only those, and
		// failure events from other sources, are terminal here.
		if e.HasFailed() && e.EventType != eventlog.EventActionError {
			return stateFailed
		}
		if e.EventType == eventlog.EventExecutionComplete {
			return stateCompleted
		}
		if e.EventType == eventlog.EventActionCompleted {
			hasActionCompleted = true
		}
	}
	if hasActionCompleted || inFlight {
		return stateInProgress
	}
	return stateInitial
}

func (b *Broker) loadDocument(ctx context.Context, executionID int64) (*playbook.Document, map[string]any, error) {
	workload, ok, err := b.log.GetWorkload(ctx, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("broker: get workload: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("broker: no workload recorded for execution %d", executionID)
	}

	path, _ := workload["path"].(string)
	version, _ := workload["version"].(string)
	if path == "" {
		return nil, nil, fmt.Errorf("broker: workload for execution %d has no path", executionID)
	}

	entry, err := b.catalog.FetchEntry(ctx, path, version)
	if err != nil {
		return nil, nil, fmt.Errorf("broker: fetch catalog entry %s@%s: %w", path, version, err)
	}
	return entry.Parsed, workload, nil
}

// initialDispatch handles the "initial" state: load the playbook, find the
// start step, evaluate its transitions, and dispatch the chosen next step.
func (b *Broker) initialDispatch(ctx context.Context, executionID int64, events []eventlog.Event) error {
	doc, workload, err := b.loadDocument(ctx, executionID)
	if err != nil {
		return b.failExecution(ctx, executionID, err)
	}

	if b.index != nil {
		if err := b.index.Populate(ctx, executionID, doc); err != nil {
			b.logger.Warn("broker: populate workflow index failed", "execution_id", executionID, "error", err)
		}
	}

	start, ok := doc.StartStep()
	if !ok {
		return b.failExecution(ctx, executionID, fmt.Errorf("broker: playbook %s has no start step", doc.Path))
	}

	evalCtx := b.buildContext(workload, events, nil)

	next, with, err := b.resolveTransition(start, evalCtx)
	if err != nil {
		return b.failExecution(ctx, executionID, err)
	}
	if next == nil {
		return b.failExecution(ctx, executionID, fmt.Errorf("broker: no matching transition from start step"))
	}

	target, ok := doc.FindStep(next.Target())
	if !ok {
		return b.failExecution(ctx, executionID, fmt.Errorf("broker: unknown step %q referenced from start", next.Target()))
	}

	return b.dispatchStep(ctx, executionID, doc, target, evalCtx, with)
}

// transition handles the in_progress transition state: every completed
// non-loop step without a step_completed marker gets one emitted, then its
// outgoing transition is evaluated and its next step enqueued exactly once.
func (b *Broker) transition(ctx context.Context, executionID int64, events []eventlog.Event) error {
	doc, workload, err := b.loadDocument(ctx, executionID)
	if err != nil {
		return b.failExecution(ctx, executionID, err)
	}

	stepResults := map[string]any{}
	completedSteps := map[string]eventlog.Event{}
	loopCompletedSteps := map[string]eventlog.Event{}
	for _, e := range events {
		if e.EventType != eventlog.EventActionCompleted {
			continue
		}
		if loopCompleted, _ := e.Context.AsMap()["loop_completed"].(bool); loopCompleted {
			stepResults[e.NodeName] = e.Result.Raw
			loopCompletedSteps[e.NodeName] = e
			continue
		}
		// Per-iteration completions belong to the loop coordinator; only
		// the aggregated loop_completed event above finishes a loop step.
		if e.NodeType == eventlog.NodeLoop || e.LoopName != "" || e.CurrentIndex != nil {
			continue
		}
		completedSteps[e.NodeName] = e
		stepResults[e.NodeName] = e.Result.Raw
	}

	for name := range completedSteps {
		step, ok := doc.FindStep(name)
		if !ok {
			continue
		}
		done, err := b.log.ExistsEventType(ctx, executionID, eventlog.EventStepCompleted, name)
		if err != nil {
			return fmt.Errorf("broker: check step_completed for %q: %w", name, err)
		}
		if done {
			continue
		}

		if _, err := b.log.Append(ctx, eventlog.Event{
			ExecutionID: executionID,
			EventType:   eventlog.EventStepCompleted,
			NodeName:    name,
			NodeType:    eventlog.NodeStep,
			Status:      eventlog.StatusCompleted,
		}); err != nil {
			return fmt.Errorf("broker: emit step_completed for %q: %w", name, err)
		}

		evalCtx := b.buildContext(workload, events, stepResults)
		next, with, err := b.resolveTransition(step, evalCtx)
		if err != nil {
			return fmt.Errorf("broker: resolve transition for %q: %w", name, err)
		}
		if next == nil {
			if err := b.finalize(ctx, executionID, step, evalCtx); err != nil {
				return err
			}
			continue
		}

		target, ok := doc.FindStep(next.Target())
		if !ok {
			return fmt.Errorf("broker: unknown step %q referenced from %q", next.Target(), name)
		}
		if err := b.dispatchStep(ctx, executionID, doc, target, evalCtx, with); err != nil {
			return err
		}
	}

	// Post-loop transitions. A finalized loop step already carries its
	// step_completed marker (the loop coordinator emits the whole final
	// sequence), so the marker can't double as the dispatch guard the way
	// it does above; the target's own step_started marker is the guard
	// instead.
	for name, ev := range loopCompletedSteps {
		step, ok := doc.FindStep(name)
		if !ok {
			continue
		}
		evalCtx := b.buildContext(workload, events, stepResults)

		next, with, err := b.resolveTransition(step, evalCtx)
		if err != nil {
			return fmt.Errorf("broker: resolve post-loop transition for %q: %w", name, err)
		}
		if next == nil {
			if done, err := b.log.ExistsEventType(ctx, executionID, eventlog.EventExecutionComplete, ""); err != nil || done {
				continue
			}
			if err := b.finalizeLoop(ctx, executionID, step, evalCtx, ev); err != nil {
				return err
			}
			continue
		}

		target, ok := doc.FindStep(next.Target())
		if !ok {
			return fmt.Errorf("broker: unknown step %q referenced from loop %q", next.Target(), name)
		}
		started, err := b.log.ExistsEventType(ctx, executionID, eventlog.EventStepStarted, target.StepName())
		if err != nil {
			return fmt.Errorf("broker: check step_started for %q: %w", target.StepName(), err)
		}
		if started {
			continue
		}
		if err := b.dispatchStep(ctx, executionID, doc, target, evalCtx, with); err != nil {
			return err
		}
	}

	return nil
}

// finalizeLoop completes an execution whose last step was a loop: the
// aggregated payload the loop's final action_completed carries is the
// execution's result, unless the step declares its own result mapping.
func (b *Broker) finalizeLoop(ctx context.Context, executionID int64, step playbook.Step, evalCtx map[string]any, final eventlog.Event) error {
	if len(step.Result) > 0 {
		return b.finalize(ctx, executionID, step, evalCtx)
	}
	_, err := b.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventExecutionComplete,
		NodeName:    step.StepName(),
		NodeType:    eventlog.NodePlaybook,
		Status:      eventlog.StatusCompleted,
		Result:      final.Result,
	})
	if err != nil {
		return fmt.Errorf("broker: emit execution_complete for loop %q: %w", step.StepName(), err)
	}
	return nil
}

// checkLoops re-checks every loop step in the playbook for completion.
// loopcoord is idempotent, so scanning the whole document each time a
// relevant trigger arrives is safe and simpler than mapping triggers to a
// single affected loop step.
func (b *Broker) checkLoops(ctx context.Context, executionID int64, events []eventlog.Event) error {
	doc, _, err := b.loadDocument(ctx, executionID)
	if err != nil {
		return nil // no playbook yet resolvable; nothing to check
	}

	for _, step := range doc.Steps {
		if step.Loop == nil {
			continue
		}
		if _, err := b.loops.CheckCompletions(ctx, executionID, step.StepName()); err != nil {
			return fmt.Errorf("broker: check loop completions for %q: %w", step.StepName(), err)
		}
	}
	return nil
}

// dispatchStep enqueues an actionable step (possibly via loop expansion) or
// finalizes a result-only step.
func (b *Broker) dispatchStep(ctx context.Context, executionID int64, doc *playbook.Document, step playbook.Step, evalCtx map[string]any, with map[string]any) error {
	if !step.IsActionable() {
		return b.finalize(ctx, executionID, step, evalCtx)
	}

	rendered, err := b.renderer.RenderMapping(mergeMaps(step.With, with), evalCtx)
	if err != nil {
		return fmt.Errorf("broker: render with for %q: %w", step.StepName(), err)
	}

	action := buildAction(step, rendered)

	// A workbook step's named entry is resolved here, against the document
	// the broker already holds, and shipped inline in the action; the
	// worker has no catalog access of its own.
	if step.Type == playbook.TaskWorkbook {
		name, _ := rendered["name"].(string)
		if name == "" {
			name = step.StepName()
		}
		if item, ok := doc.FindWorkbook(name); ok {
			action["workbook"] = map[string]any{"name": item.Name, "tool": item.Tool, "args": item.Args}
		}
	}

	if step.Loop != nil {
		if _, err := b.log.Append(ctx, eventlog.Event{
			ExecutionID: executionID,
			EventType:   eventlog.EventStepStarted,
			NodeName:    step.StepName(),
			NodeType:    eventlog.NodeLoop,
			Status:      eventlog.StatusRunning,
		}); err != nil {
			return fmt.Errorf("broker: emit step_started for loop %q: %w", step.StepName(), err)
		}
		loopEvalCtx := map[string]any{}
		for k, v := range evalCtx {
			loopEvalCtx[k] = v
		}
		return b.loops.Expand(ctx, executionID, step, action, loopEvalCtx)
	}

	if _, err := b.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventStepStarted,
		NodeName:    step.StepName(),
		NodeType:    eventlog.NodeStep,
		Status:      eventlog.StatusRunning,
	}); err != nil {
		return fmt.Errorf("broker: emit step_started for %q: %w", step.StepName(), err)
	}

	nodeID := fmt.Sprintf("%d:%s", executionID, step.StepName())
	if _, _, err := b.queue.Enqueue(ctx, queue.EnqueueInput{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Action:      action,
		Context:     evalCtx,
		Priority:    0,
		MaxAttempts: retry.FromPlaybook(step.Retry).MaxAttempts,
	}); err != nil {
		return fmt.Errorf("broker: enqueue %q: %w", step.StepName(), err)
	}
	return nil
}

// finalize handles a result-only (non-actionable) step: render its result
// mapping, if any, and emit execution_complete. With no mapping, the
// execution's last non-empty result becomes the final payload, so a bare
// `end` step reports the work the steps before it produced.
func (b *Broker) finalize(ctx context.Context, executionID int64, step playbook.Step, evalCtx map[string]any) error {
	var result any
	if len(step.Result) > 0 {
		rendered, err := b.renderer.RenderMapping(step.Result, evalCtx)
		if err != nil {
			return fmt.Errorf("broker: render result for %q: %w", step.StepName(), err)
		}
		result = rendered
	} else if latest, ok, err := b.log.LatestExecutionResult(ctx, executionID); err == nil && ok {
		result = latest.Raw
	}

	_, err := b.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventExecutionComplete,
		NodeName:    step.StepName(),
		NodeType:    eventlog.NodePlaybook,
		Status:      eventlog.StatusCompleted,
		Result:      eventlog.JSON{Raw: result},
	})
	if err != nil {
		return fmt.Errorf("broker: emit execution_complete: %w", err)
	}
	return nil
}

func (b *Broker) failExecution(ctx context.Context, executionID int64, cause error) error {
	_, appendErr := b.log.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventlog.EventStepFailedTerminal,
		NodeType:    eventlog.NodePlaybook,
		Status:      eventlog.StatusFailed,
		Error:       cause.Error(),
	})
	if appendErr != nil {
		return fmt.Errorf("broker: record failure (%v): %w", cause, appendErr)
	}
	return cause
}

// resolveTransition evaluates a step's next[] list in order; the first
// entry with a true `when`, or the first entry without a `when` at all,
// wins.
func (b *Broker) resolveTransition(step playbook.Step, evalCtx map[string]any) (*playbook.Transition, map[string]any, error) {
	for i := range step.Next {
		t := step.Next[i]
		if t.When == "" {
			return &t, renderedWith(t, b.renderer, evalCtx), nil
		}
		ok, err := b.renderer.EvaluateCondition(t.When, evalCtx)
		if err != nil {
			continue // condition errors are treated as "false"
		}
		if ok {
			return &t, renderedWith(t, b.renderer, evalCtx), nil
		}
	}
	return nil, nil, nil
}

func renderedWith(t playbook.Transition, renderer *render.Renderer, evalCtx map[string]any) map[string]any {
	if len(t.With) == 0 {
		return nil
	}
	rendered, err := renderer.RenderMapping(t.With, evalCtx)
	if err != nil {
		return nil
	}
	return rendered
}

func (b *Broker) buildContext(workload map[string]any, events []eventlog.Event, stepResults map[string]any) map[string]any {
	if stepResults == nil {
		stepResults = map[string]any{}
	}
	return render.BuildContext(workload, nil, nil, nil, nil, nil, nil, stepResults)
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func buildAction(step playbook.Step, rendered map[string]any) map[string]any {
	return map[string]any{
		"type":          string(step.Type),
		"step_name":     step.StepName(),
		"code":          step.Code,
		"command":       step.Command,
		"commands":      step.Commands,
		"sql":           step.SQL,
		"url":           step.URL,
		"endpoint":      step.Endpoint,
		"method":        step.Method,
		"headers":       step.Headers,
		"params":        step.Params,
		"data":          step.Data,
		"payload":       step.Payload,
		"resource_path": step.ResourcePath,
		"content":       step.Content,
		"with":          rendered,
		"retry":         step.Retry,
	}
}
