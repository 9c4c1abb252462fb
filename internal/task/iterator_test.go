package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIteratorExecutorReturnsWithWhenPresent(t *testing.T) {
	e := NewIteratorExecutor()
	result := e.Execute(context.Background(), Task{With: map[string]any{"items": []any{1, 2}}}, nil)
	require.Equal(t, StatusSuccess, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, []any{1, 2}, data["items"])
}

func TestIteratorExecutorFallsBackToArgs(t *testing.T) {
	e := NewIteratorExecutor()
	result := e.Execute(context.Background(), Task{}, map[string]any{"k": "v"})
	require.Equal(t, StatusSuccess, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, "v", data["k"])
}
