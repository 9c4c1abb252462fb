package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flow/internal/database/connectors"
)

func TestSaveExecutorPersistsPayload(t *testing.T) {
	conn := &fakeConnector{queryResult: &connectors.QueryResult{RowsAffected: 1}}
	e := NewSaveExecutor(conn, "mongodb://x")

	result := e.Execute(context.Background(), Task{
		Name:    "save",
		Payload: map[string]any{"k": "v"},
		Params:  map[string]any{"collection": "results"},
	}, nil)

	require.Equal(t, StatusSuccess, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, true, data["saved"])
	assert.Equal(t, 1, data["rows_affected"])
	require.NotNil(t, conn.lastInput)
	assert.Contains(t, conn.lastInput.Query, "results")
}

func TestSaveExecutorDefaultsCollectionName(t *testing.T) {
	conn := &fakeConnector{queryResult: &connectors.QueryResult{}}
	e := NewSaveExecutor(conn, "mongodb://x")

	result := e.Execute(context.Background(), Task{Payload: map[string]any{"k": "v"}}, nil)
	require.Equal(t, StatusSuccess, result.Status)
	assert.Contains(t, conn.lastInput.Query, "flow_results")
}

func TestSaveExecutorRequiresPayload(t *testing.T) {
	e := NewSaveExecutor(&fakeConnector{}, "mongodb://x")
	result := e.Execute(context.Background(), Task{Name: "save"}, nil)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "nothing to save")
}

func TestSaveExecutorConnectsLazilyWhenPingFails(t *testing.T) {
	conn := &fakeConnector{pingErr: assert.AnError, queryResult: &connectors.QueryResult{}}
	e := NewSaveExecutor(conn, "mongodb://x")

	result := e.Execute(context.Background(), Task{Payload: map[string]any{"k": "v"}}, nil)
	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 1, conn.connectCalls)
}
