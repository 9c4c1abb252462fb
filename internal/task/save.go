package task

import (
	"context"
	"encoding/json"

	"github.com/gorax/flow/internal/database/connectors"
)

// SaveExecutor implements the `save` task kind: persists the rendered
// payload as a document via a connectors.Connector, normally a
// MongoDBConnector per the wiring table.
type SaveExecutor struct {
	connector        connectors.Connector
	connectionString string
}

// NewSaveExecutor constructs a SaveExecutor bound to a connector.
func NewSaveExecutor(connector connectors.Connector, connectionString string) *SaveExecutor {
	return &SaveExecutor{connector: connector, connectionString: connectionString}
}

func (e *SaveExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	payload := firstNonNil(t.Payload, t.Data, args)
	if payload == nil {
		return Failf("save task %q: nothing to save", t.Name)
	}

	collection, _ := t.Params["collection"].(string)
	if collection == "" {
		collection = "flow_results"
	}

	if err := e.connector.Ping(ctx); err != nil {
		if connectErr := e.connector.Connect(ctx, e.connectionString); connectErr != nil {
			return Fail(connectErr)
		}
	}

	command, err := json.Marshal(map[string]any{
		"operation":  "insertOne",
		"collection": collection,
		"document":   payload,
	})
	if err != nil {
		return Fail(err)
	}

	result, err := e.connector.Execute(ctx, &connectors.QueryInput{Query: string(command)})
	if err != nil {
		return Fail(err)
	}

	return Success(map[string]any{"saved": true, "rows_affected": result.RowsAffected})
}
