package task

import (
	"context"
	"sort"
	"strings"

	"github.com/gorax/flow/internal/database/connectors"
)

// SQLExecutor implements the `postgres` and `duckdb` task kinds. Both are
// thin wrappers over a connectors.Connector: `postgres` uses the
// PostgreSQL connector, `duckdb` the embedded SQLite connector standing in
// as the analytic engine (see DESIGN.md).
type SQLExecutor struct {
	connector        connectors.Connector
	connectionString string
}

// NewSQLExecutor constructs a SQLExecutor bound to a connector and
// connection string. The connector is connected lazily on first use.
func NewSQLExecutor(connector connectors.Connector, connectionString string) *SQLExecutor {
	return &SQLExecutor{connector: connector, connectionString: connectionString}
}

func (e *SQLExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	if strings.TrimSpace(t.SQL) == "" {
		return Failf("%s task %q: no sql configured", t.Type, t.Name)
	}

	if err := e.connector.Ping(ctx); err != nil {
		if connectErr := e.connector.Connect(ctx, e.connectionString); connectErr != nil {
			return Fail(connectErr)
		}
	}

	input := &connectors.QueryInput{
		Query:      t.SQL,
		Parameters: positionalParams(t.Params),
		MaxRows:    1000,
	}
	if err := input.Validate(); err != nil {
		return Fail(err)
	}

	var (
		result *connectors.QueryResult
		err    error
	)
	if isMutation(t.SQL) {
		result, err = e.connector.Execute(ctx, input)
	} else {
		result, err = e.connector.Query(ctx, input)
	}
	if err != nil {
		return Fail(err)
	}

	return Success(map[string]any{
		"rows":          result.Rows,
		"rows_affected": result.RowsAffected,
	})
}

func isMutation(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER"} {
		if strings.HasPrefix(upper, verb) {
			return true
		}
	}
	return false
}

// positionalParams flattens the step's params map into a positional slice,
// ordered by key, so "1", "2", ... (or any stable naming) binds the same
// way on every run.
func positionalParams(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, params[k])
	}
	return out
}
