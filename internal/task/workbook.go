package task

import (
	"context"

	"github.com/gorax/flow/internal/playbook"
)

// WorkbookLookup resolves a named reusable workbook action from the
// current playbook document.
type WorkbookLookup func(name string) (playbook.WorkbookItem, bool)

// WorkbookExecutor implements the `workbook` task kind: it resolves a
// named entry from the playbook's workbook list and redispatches through
// the same registry under the entry's own tool type, so a workbook entry
// is just a named alias for another task.
type WorkbookExecutor struct {
	lookup   WorkbookLookup
	registry *Registry
}

// NewWorkbookExecutor constructs a WorkbookExecutor. The registry
// reference lets a workbook entry recursively dispatch to any other
// registered task type (http, python, postgres, ...).
func NewWorkbookExecutor(lookup WorkbookLookup, registry *Registry) *WorkbookExecutor {
	return &WorkbookExecutor{lookup: lookup, registry: registry}
}

func (e *WorkbookExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	name, _ := t.With["name"].(string)
	if name == "" {
		name = t.Name
	}

	item, ok := inlineWorkbookItem(args)
	if !ok {
		item, ok = e.lookup(name)
	}
	if !ok {
		return Failf("workbook task %q: no workbook entry named %q", t.Name, name)
	}

	delegated := Task{
		Type: playbook.TaskType(item.Tool),
		Name: item.Name,
		With: item.Args,
	}
	return e.registry.Dispatch(ctx, delegated, firstNonNil(item.Args, args))
}

// inlineWorkbookItem decodes the workbook entry the broker resolved at
// dispatch time and embedded in the job's action, the primary resolution
// path since the worker holds no playbook of its own.
func inlineWorkbookItem(args map[string]any) (playbook.WorkbookItem, bool) {
	raw, ok := args["workbook"].(map[string]any)
	if !ok {
		return playbook.WorkbookItem{}, false
	}
	item := playbook.WorkbookItem{}
	item.Name, _ = raw["name"].(string)
	item.Tool, _ = raw["tool"].(string)
	item.Args, _ = raw["args"].(map[string]any)
	if item.Tool == "" {
		return playbook.WorkbookItem{}, false
	}
	return item, true
}
