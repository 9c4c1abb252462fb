package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEventType(t *testing.T) {
	assert.Equal(t, EventExecutionStart, NormalizeEventType("execution_started"))
	assert.Equal(t, EventExecutionComplete, NormalizeEventType("execution_completed"))
	assert.Equal(t, "action_completed", NormalizeEventType("action_completed"))
}

func TestInferNodeType(t *testing.T) {
	assert.Equal(t, NodePlaybook, inferNodeType(EventExecutionStart))
	assert.Equal(t, NodeTask, inferNodeType(EventActionCompleted))
	assert.Equal(t, NodeLoop, inferNodeType(EventLoopIteration))
	assert.Equal(t, NodeTask, inferNodeType(EventResult))
	assert.Equal(t, NodeControl, inferNodeType(EventStepCompleted))
}

func TestEventHasFailed(t *testing.T) {
	assert.True(t, Event{Status: StatusFailed}.HasFailed())
	assert.True(t, Event{Status: "action_error"}.HasFailed())
	assert.True(t, Event{Status: StatusCompleted, Error: "boom"}.HasFailed())
	assert.False(t, Event{Status: StatusCompleted}.HasFailed())
}

func TestIsMeaningfulResult(t *testing.T) {
	assert.False(t, isMeaningfulResult(JSON{}))
	assert.False(t, isMeaningfulResult(JSON{Raw: map[string]any{}}))
	assert.False(t, isMeaningfulResult(JSON{Raw: map[string]any{"skipped": true}}))
	assert.False(t, isMeaningfulResult(JSON{Raw: map[string]any{"reason": "control_step"}}))
	assert.True(t, isMeaningfulResult(JSON{Raw: map[string]any{"x": 21}}))
	assert.True(t, isMeaningfulResult(JSON{Raw: "a scalar result"}))
}

func TestEventUnmarshalJSONAcceptsLegacyAliases(t *testing.T) {
	raw := `{
		"execution_id": 1,
		"event_type": "execution_started",
		"input_context": {"a": 1},
		"output_result": {"b": 2}
	}`
	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, EventExecutionStart, e.EventType)
	assert.Equal(t, map[string]any{"a": float64(1)}, e.Context.Raw)
	assert.Equal(t, map[string]any{"b": float64(2)}, e.Result.Raw)
}

func TestEventUnmarshalJSONPrefersCanonicalFields(t *testing.T) {
	raw := `{
		"execution_id": 1,
		"event_type": "action_completed",
		"context": {"a": 1},
		"input_context": {"a": 999}
	}`
	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, map[string]any{"a": float64(1)}, e.Context.Raw)
}

func TestJSONScanAndValue(t *testing.T) {
	var j JSON
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, map[string]any{"a": float64(1)}, j.Raw)

	v, err := j.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v.([]byte)))

	var empty JSON
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty.Raw)
}

func TestJSONAsMap(t *testing.T) {
	j := JSON{Raw: map[string]any{"x": 1}}
	assert.Equal(t, map[string]any{"x": 1}, j.AsMap())

	scalar := JSON{Raw: "not a map"}
	assert.Equal(t, map[string]any{}, scalar.AsMap())
}
