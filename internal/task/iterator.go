package task

import "context"

// IteratorExecutor implements the `iterator` task kind: a pass-through
// step that simply exposes its rendered input list as its result, for
// playbooks that want an explicit iterator node distinct from the
// automatic loop expansion the Loop Coordinator performs.
type IteratorExecutor struct{}

// NewIteratorExecutor constructs an IteratorExecutor.
func NewIteratorExecutor() *IteratorExecutor {
	return &IteratorExecutor{}
}

func (e *IteratorExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	items := firstNonNil(t.With, args)
	return Success(items)
}
