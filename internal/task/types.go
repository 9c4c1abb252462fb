// Package task implements the executor registry: a dispatcher from a
// closed set of task.type values to an Executor implementation. Every
// executor obeys the same contract: given (task, rendered args) produce a
// result envelope and never raise across the process boundary.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorax/flow/internal/playbook"
)

// Status is the outcome of an executor run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the envelope every executor returns, whatever it did
// internally. It is never allowed to carry a panic across the worker's
// outermost boundary; Dispatch recovers and converts panics to Result.
type Result struct {
	Status     Status         `json:"status"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Traceback  string         `json:"traceback,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Success builds a success envelope.
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Fail builds an error envelope from a Go error.
func Fail(err error) Result {
	if err == nil {
		return Result{Status: StatusError, Error: "unknown error"}
	}
	return Result{Status: StatusError, Error: err.Error()}
}

// Failf builds an error envelope from a formatted message.
func Failf(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Task is the rendered, ready-to-run form of a playbook.Step: every
// template in With/Params/Data/Payload has already been evaluated by the
// Renderer against the current context.
type Task struct {
	Type         playbook.TaskType
	Name         string
	Code         string
	Command      string
	Commands     []string
	SQL          string
	URL          string
	Endpoint     string
	Method       string
	Headers      map[string]any
	Params       map[string]any
	Data         map[string]any
	Payload      map[string]any
	With         map[string]any
	ResourcePath string
	Content      string
}

// Executor runs one task kind and returns a Result envelope. Implementations
// must never panic; Dispatch recovers defensively but a well-behaved
// executor reports failures through the envelope.
type Executor interface {
	Execute(ctx context.Context, t Task, args map[string]any) Result
}

// Registry maps task.type to an Executor. Registrations happen once at
// startup; dispatch is read-only after that.
type Registry struct {
	mu        sync.RWMutex
	executors map[playbook.TaskType]Executor
}

// NewRegistry constructs an empty registry. Callers register executors
// explicitly (see cmd/flow-worker) since several kinds need collaborators
// (a catalog client, the registry itself for recursive dispatch, an
// aggregator) that this package cannot construct on its own.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[playbook.TaskType]Executor)}
}

// Register installs an executor for a task type, replacing any prior one.
func (r *Registry) Register(taskType playbook.TaskType, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = executor
}

// IsRegistered reports whether a task type has an executor.
func (r *Registry) IsRegistered(taskType playbook.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[taskType]
	return ok
}

// Dispatch runs the task through its registered executor, converting an
// unknown type or a panic into an error envelope rather than propagating it.
func (r *Registry) Dispatch(ctx context.Context, t Task, args map[string]any) (result Result) {
	r.mu.RLock()
	executor, ok := r.executors[t.Type]
	r.mu.RUnlock()

	if !ok {
		return Failf("no executor registered for task type %q", t.Type)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Failf("executor panic: %v", rec)
		}
	}()

	return executor.Execute(ctx, t, args)
}
