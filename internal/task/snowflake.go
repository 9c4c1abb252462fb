package task

import "context"

// SnowflakeExecutor implements the `snowflake` task kind. This build
// ships no Snowflake driver (see DESIGN.md), so the kind reports itself as
// unavailable rather than silently degrading to another warehouse:
// callers see a well-formed error envelope, not a panic or a wrong
// result.
type SnowflakeExecutor struct{}

// NewSnowflakeExecutor constructs the stub executor.
func NewSnowflakeExecutor() *SnowflakeExecutor {
	return &SnowflakeExecutor{}
}

func (e *SnowflakeExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	return Failf("snowflake task %q: no snowflake driver is configured in this deployment", t.Name)
}
