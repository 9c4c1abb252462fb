package workerclient

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorax/flow/internal/database"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/task"
)

// Identity is the descriptive metadata a worker stamps onto every event it
// emits: pool name, runtime kind, PID, hostname, and worker id.
type Identity struct {
	WorkerID    string
	PoolName    string
	RuntimeKind string
	PID         int
	Hostname    string
}

// NewIdentity builds an Identity for the current process.
func NewIdentity(workerID, poolName string) Identity {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Identity{
		WorkerID:    workerID,
		PoolName:    poolName,
		RuntimeKind: "go/" + runtime.Version(),
		PID:         os.Getpid(),
		Hostname:    hostname,
	}
}

func (id Identity) meta() map[string]any {
	return map[string]any{
		"worker_id":    id.WorkerID,
		"pool_name":    id.PoolName,
		"runtime_kind": id.RuntimeKind,
		"pid":          id.PID,
		"hostname":     id.Hostname,
	}
}

// Pool is a worker process: a fixed number of goroutines each running the
// lease, execute, report loop.
type Pool struct {
	client       *Client
	registry     *task.Registry
	identity     Identity
	logger       *slog.Logger
	concurrency  int
	leaseSeconds int
	pollInterval time.Duration
	wg           sync.WaitGroup
}

// Config configures a Pool.
type Config struct {
	Concurrency  int
	LeaseSeconds int
	PollInterval time.Duration
}

// New constructs a worker Pool.
func NewPool(client *Client, registry *task.Registry, identity Identity, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		client:       client,
		registry:     registry,
		identity:     identity,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		leaseSeconds: cfg.LeaseSeconds,
		pollInterval: cfg.PollInterval,
	}
}

// Run starts the configured number of worker goroutines and blocks until
// ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	<-ctx.Done()
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok, err := p.client.Lease(ctx, p.leaseSeconds)
			if err != nil {
				p.logger.Warn("workerclient: lease failed", "slot", slot, "error", err)
				continue
			}
			if !ok {
				continue
			}
			p.runJob(ctx, job)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, job queue.Job) {
	ctx = database.ExecutionScoped(ctx, job.ExecutionID)
	action := job.Action.AsMap()
	t := taskFromAction(action)
	args := mergeContext(job.Context.AsMap(), action)

	stepName, _ := action["step_name"].(string)
	eventContext := eventContextFor(stepName, job.Context.AsMap())

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(heartbeatCtx, job.ID)

	p.emit(ctx, eventlog.Event{
		ExecutionID: job.ExecutionID,
		EventType:   eventlog.EventActionStarted,
		NodeName:    stepName,
		NodeType:    eventlog.NodeTask,
		Status:      eventlog.StatusRunning,
		NodeID:      job.NodeID,
		Context:     eventlog.JSON{Raw: eventContext},
		Metadata:    eventlog.JSON{Raw: p.identity.meta()},
	})

	result := p.registry.Dispatch(ctx, t, args)
	stopHeartbeat()

	if result.Status == task.StatusSuccess {
		p.emit(ctx, eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventActionCompleted,
			NodeName:    stepName,
			NodeType:    eventlog.NodeTask,
			Status:      eventlog.StatusCompleted,
			NodeID:      job.NodeID,
			Context:     eventlog.JSON{Raw: eventContext},
			Result:      eventlog.JSON{Raw: result.Data},
			Metadata:    eventlog.JSON{Raw: p.identity.meta()},
		})
		p.emit(ctx, eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventStepResult,
			NodeName:    stepName,
			NodeType:    eventlog.NodeTask,
			Status:      eventlog.StatusCompleted,
			NodeID:      job.NodeID,
			Context:     eventlog.JSON{Raw: eventContext},
			Result:      eventlog.JSON{Raw: result.Data},
			Metadata:    eventlog.JSON{Raw: p.identity.meta()},
		})
		if err := p.client.Complete(ctx, job.ID); err != nil {
			p.logger.Error("workerclient: complete failed", "job_id", job.ID, "error", err)
		}
		return
	}

	p.emit(ctx, eventlog.Event{
		ExecutionID: job.ExecutionID,
		EventType:   eventlog.EventActionError,
		NodeName:    stepName,
		NodeType:    eventlog.NodeTask,
		Status:      eventlog.StatusFailed,
		NodeID:      job.NodeID,
		Error:       result.Error,
		Context:     eventlog.JSON{Raw: eventContext},
		Result:      eventlog.JSON{Raw: map[string]any{"traceback": result.Traceback}},
		Metadata:    eventlog.JSON{Raw: p.identity.meta()},
	})
	if err := p.client.Fail(ctx, job.ID, nil, nil); err != nil {
		p.logger.Error("workerclient: fail failed", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, jobID int64) {
	interval := time.Duration(p.leaseSeconds) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.Heartbeat(ctx, jobID, p.leaseSeconds); err != nil {
				p.logger.Warn("workerclient: heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (p *Pool) emit(ctx context.Context, event eventlog.Event) {
	if _, err := p.client.PostEvent(ctx, event); err != nil {
		p.logger.Error("workerclient: emit event failed", "event_type", event.EventType, "error", err)
	}
}

// eventContextFor carries the step name and loop binding of the job into
// every event the worker emits for it, so the event log's field inference
// can attach loop metadata to per-iteration events.
func eventContextFor(stepName string, jobContext map[string]any) map[string]any {
	out := map[string]any{"work": map[string]any{"step_name": stepName}}
	if loopMeta, ok := jobContext["_loop"]; ok {
		out["_loop"] = loopMeta
	}
	return out
}

func taskFromAction(action map[string]any) task.Task {
	return task.Task{
		Type:         playbook.TaskType(asString(action["type"])),
		Name:         asString(action["step_name"]),
		Code:         asString(action["code"]),
		Command:      asString(action["command"]),
		Commands:     asStringSlice(action["commands"]),
		SQL:          asString(action["sql"]),
		URL:          asString(action["url"]),
		Endpoint:     asString(action["endpoint"]),
		Method:       asString(action["method"]),
		Headers:      asMap(action["headers"]),
		Params:       asMap(action["params"]),
		Data:         asMap(action["data"]),
		Payload:      asMap(action["payload"]),
		With:         asMap(action["with"]),
		ResourcePath: asString(action["resource_path"]),
		Content:      asString(action["content"]),
	}
}

func mergeContext(context, action map[string]any) map[string]any {
	out := make(map[string]any, len(context)+len(action))
	for k, v := range action {
		out[k] = v
	}
	for k, v := range context {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
