package task

import "context"

// StartChildExecution begins a child execution for a sub-playbook step and
// returns its execution id. The worker supplies an implementation that
// calls the server's event API (POST /events with an execution_start event
// carrying parent_execution_id); the task package has no server client of
// its own, per the "make implicit globals explicit dependencies" redesign
// note.
type StartChildExecution func(ctx context.Context, path, version string, workload map[string]any) (int64, error)

// PlaybookExecutor implements the `playbook` task kind: it dispatches a
// nested sub-playbook as a child execution and returns its id so the
// parent step's completion can be correlated later.
type PlaybookExecutor struct {
	start StartChildExecution
}

// NewPlaybookExecutor constructs a PlaybookExecutor bound to a child
// execution starter.
func NewPlaybookExecutor(start StartChildExecution) *PlaybookExecutor {
	return &PlaybookExecutor{start: start}
}

func (e *PlaybookExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	path := t.ResourcePath
	if path == "" {
		return Failf("playbook task %q: no resource_path configured", t.Name)
	}
	version, _ := t.With["version"].(string)

	workload := firstNonNil(t.With, args)
	childID, err := e.start(ctx, path, version, workload)
	if err != nil {
		return Fail(err)
	}

	return Success(map[string]any{"child_execution_id": childID, "path": path, "version": version})
}
