package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gorax/flow/internal/aggregator"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/task"
)

// aggregationTaskType is the Action `type` the Loop Coordinator enqueues
// once a loop's iterations all settle (internal/loopcoord.aggregationTaskType).
const aggregationTaskType = "result_aggregation"

// aggregationPoller runs the result-aggregation job in-process rather
// than as an external flow-worker executor. Aggregation needs
// eventlog.Log.FetchByEventID, an operation the worker HTTP surface has no
// endpoint for. Every other task kind only ever needs to post a result
// back, never read one, so adding a read endpoint purely to let an
// external process do this one fold would widen the protocol for a single
// consumer. Running it server-side keeps the fold off the broker's own
// request path (queue-mediated, same as every other task) without
// requiring a new wire operation.
type aggregationPoller struct {
	log      *eventlog.Log
	queue    *queue.Queue
	exec     *aggregator.Executor
	workerID string
	logger   *slog.Logger
}

func newAggregationPoller(log *eventlog.Log, q *queue.Queue, exec *aggregator.Executor, logger *slog.Logger) *aggregationPoller {
	return &aggregationPoller{
		log:      log,
		queue:    q,
		exec:     exec,
		workerID: "aggregator-" + uuid.NewString(),
		logger:   logger,
	}
}

func (p *aggregationPoller) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *aggregationPoller) poll(ctx context.Context) {
	job, ok, err := p.queue.LeaseForType(ctx, p.workerID, 30, aggregationTaskType)
	if err != nil {
		p.logger.Warn("flow-server: lease aggregation job failed", "error", err)
		return
	}
	if !ok {
		return
	}

	action := job.Action.AsMap()
	t := task.Task{Type: playbook.TaskType(aggregationTaskType)}
	result := p.exec.Execute(ctx, t, action)

	if result.Status == task.StatusSuccess {
		if err := p.queue.Ack(ctx, job.ID, p.workerID); err != nil {
			p.logger.Error("flow-server: ack aggregation job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	p.logger.Warn("flow-server: aggregation job failed", "job_id", job.ID, "error", result.Error)
	if _, err := p.queue.Nack(ctx, job.ID, p.workerID, 5*time.Second); err != nil {
		p.logger.Error("flow-server: nack aggregation job failed", "job_id", job.ID, "error", err)
	}
}
