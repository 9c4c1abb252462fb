package task

import (
	"context"
	"fmt"

	"github.com/gorax/flow/internal/database/connectors"
)

// TransferExecutor implements the `transfer` task kind: a generic row
// mover between two SQL connectors, driven entirely by the task's Params
// (source/destination connection info and queries).
type TransferExecutor struct {
	factory *connectors.ConnectorFactory
}

// NewTransferExecutor constructs a TransferExecutor.
func NewTransferExecutor() *TransferExecutor {
	return &TransferExecutor{factory: connectors.NewConnectorFactory()}
}

func (e *TransferExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	source, err := e.openSide(ctx, t.Params, "source")
	if err != nil {
		return Fail(err)
	}
	defer source.Close()

	dest, err := e.openSide(ctx, t.Params, "destination")
	if err != nil {
		return Fail(err)
	}
	defer dest.Close()

	sourceQuery, _ := t.Params["source_query"].(string)
	if sourceQuery == "" {
		return Failf("transfer task %q: missing source_query", t.Name)
	}
	destTable, _ := t.Params["destination_table"].(string)
	if destTable == "" {
		return Failf("transfer task %q: missing destination_table", t.Name)
	}

	rows, err := source.Query(ctx, &connectors.QueryInput{Query: sourceQuery, MaxRows: 10000})
	if err != nil {
		return Fail(err)
	}

	moved := 0
	for _, row := range rows.Rows {
		if err := insertRow(ctx, dest, destTable, row); err != nil {
			return Failf("transfer task %q: row %d: %v", t.Name, moved, err)
		}
		moved++
	}

	return Success(map[string]any{"rows_transferred": moved})
}

func (e *TransferExecutor) openSide(ctx context.Context, params map[string]any, side string) (connectors.Connector, error) {
	dbType, _ := params[side+"_type"].(string)
	connStr, _ := params[side+"_dsn"].(string)
	if dbType == "" || connStr == "" {
		return nil, fmt.Errorf("transfer: %s connector requires %s_type and %s_dsn", side, side, side)
	}

	conn, err := e.factory.CreateConnector(connectors.DatabaseType(dbType))
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx, connStr); err != nil {
		return nil, err
	}
	return conn, nil
}

func insertRow(ctx context.Context, dest connectors.Connector, table string, row map[string]any) error {
	columns := make([]string, 0, len(row))
	values := make([]any, 0, len(row))
	placeholders := make([]string, 0, len(row))
	i := 1
	for col, val := range row {
		columns = append(columns, col)
		values = append(values, val)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		i++
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinIdents(columns), joinIdents(placeholders))
	_, err := dest.Execute(ctx, &connectors.QueryInput{Query: query, Parameters: values})
	return err
}

func joinIdents(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
