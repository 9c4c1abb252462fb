// Package dispatcher implements the event dispatcher: the thin glue
// between the event log and the Broker. Every controller in the system
// reaches the same conclusion after doing its own work (append an event,
// enqueue a job, expire a lease): call evaluate_execution. The Dispatcher
// is where that routing lives, so the Broker itself stays a pure function
// of (execution_id, trigger_event_type, trigger_event) with no knowledge of
// who calls it or how the call got triggered.
package dispatcher

import (
	"context"
	"log/slog"

	"github.com/gorax/flow/internal/eventlog"
)

// Evaluator is the subset of Broker the Dispatcher depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, executionID int64, triggerEventType string, trigger eventlog.Event) error
}

// Dispatcher implements eventlog.Subscriber, routing every durably
// appended event into the Broker. Evaluation errors are logged, not
// propagated: the append that triggered them already succeeded, and the
// next event on the execution (or a reap/retry pass) will re-evaluate
// from the persisted state regardless.
type Dispatcher struct {
	broker Evaluator
	logger *slog.Logger
}

// New constructs a Dispatcher bound to a Broker.
func New(broker Evaluator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{broker: broker, logger: logger}
}

// OnEvent implements eventlog.Subscriber.
func (d *Dispatcher) OnEvent(ctx context.Context, event eventlog.Event) {
	d.evaluate(ctx, event.ExecutionID, event)

	// A child execution finishing is also the parent's business: the loop
	// iteration (or sub-playbook step) that started the child is waiting on
	// exactly this event.
	if event.EventType == eventlog.EventExecutionComplete && event.ParentExecution != nil {
		d.evaluate(ctx, *event.ParentExecution, event)
	}
}

func (d *Dispatcher) evaluate(ctx context.Context, executionID int64, event eventlog.Event) {
	if err := d.broker.Evaluate(ctx, executionID, event.EventType, event); err != nil {
		d.logger.Error("dispatcher: broker evaluation failed",
			"execution_id", executionID,
			"event_type", event.EventType,
			"event_id", event.EventID,
			"trace_id", event.TraceID,
			"error", err,
		)
	}
}
