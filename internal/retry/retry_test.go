package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/render"
)

func TestFromPlaybookDefaults(t *testing.T) {
	cfg := FromPlaybook(playbook.RawRetry{})
	assert.Equal(t, Default(), cfg)
}

func TestFromPlaybookBoolFalseDisablesRetry(t *testing.T) {
	doc, err := playbook.Parse([]byte("workflow:\n- step: a\n  type: http\n  retry: false\n"))
	require.NoError(t, err)
	step, ok := doc.FindStep("a")
	require.True(t, ok)
	cfg := FromPlaybook(step.Retry)
	assert.Equal(t, 1, cfg.MaxAttempts)
}

func TestFromPlaybookIntSetsMaxAttempts(t *testing.T) {
	doc, err := playbook.Parse([]byte("workflow:\n- step: a\n  type: http\n  retry: 5\n"))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	cfg := FromPlaybook(step.Retry)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestFromPlaybookObjectOmittedJitterKeepsDefault(t *testing.T) {
	doc, err := playbook.Parse([]byte("workflow:\n- step: a\n  type: http\n  retry:\n    max_attempts: 4\n"))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	cfg := FromPlaybook(step.Retry)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.True(t, cfg.Jitter)
}

func TestFromPlaybookObjectOverridesFields(t *testing.T) {
	doc, err := playbook.Parse([]byte(`
workflow:
- step: a
  type: http
  retry:
    max_attempts: 4
    initial_delay: 0.1
    backoff_multiplier: 3.0
    max_delay: 10
    jitter: false
    retry_when: "{{ true }}"
    stop_when: "{{ false }}"
`))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	cfg := FromPlaybook(step.Retry)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.InDelta(t, 0.1, cfg.InitialDelay.Seconds(), 1e-9)
	assert.Equal(t, 3.0, cfg.BackoffMultiplier)
	assert.InDelta(t, 10, cfg.MaxDelay.Seconds(), 1e-9)
	assert.False(t, cfg.Jitter)
	assert.Equal(t, "{{ true }}", cfg.RetryWhen)
	assert.Equal(t, "{{ false }}", cfg.StopWhen)
}

func TestEvaluateStopsAtMaxAttempts(t *testing.T) {
	c := New(render.New())
	cfg := Config{MaxAttempts: 3}
	decision := c.Evaluate(cfg, 3, FailureEvent{EventType: "action_error"})
	assert.False(t, decision.Retry)
}

func TestEvaluateDefaultsToRetryOnActionError(t *testing.T) {
	c := New(render.New())
	cfg := Config{MaxAttempts: 3, InitialDelay: 0, BackoffMultiplier: 2, Jitter: false}
	decision := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error"})
	assert.True(t, decision.Retry)
}

func TestEvaluateDoesNotRetryOnUnrelatedEventType(t *testing.T) {
	c := New(render.New())
	cfg := Config{MaxAttempts: 3}
	decision := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_completed"})
	assert.False(t, decision.Retry)
}

func TestEvaluateStopWhenOverridesRetryWhen(t *testing.T) {
	c := New(render.New())
	cfg := Config{
		MaxAttempts: 5,
		StopWhen:    "{{ status_code == 404 }}",
		RetryWhen:   "{{ true }}",
	}
	decision := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error", StatusCode: 404})
	assert.False(t, decision.Retry)
}

func TestEvaluateRetryWhenGatesRetry(t *testing.T) {
	c := New(render.New())
	cfg := Config{MaxAttempts: 5, RetryWhen: "{{ status_code >= 500 }}"}

	decision := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error", StatusCode: 500})
	assert.True(t, decision.Retry)

	decision = c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error", StatusCode: 400})
	assert.False(t, decision.Retry)
}

func TestEvaluateBackoffWithoutJitter(t *testing.T) {
	c := New(render.New())
	cfg := Config{
		MaxAttempts:       5,
		InitialDelay:      100_000_000, // 0.1s
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	d1 := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error"})
	require.True(t, d1.Retry)
	assert.InDelta(t, 0.1, d1.DelaySeconds, 1e-9)

	d2 := c.Evaluate(cfg, 2, FailureEvent{EventType: "action_error"})
	require.True(t, d2.Retry)
	assert.InDelta(t, 0.2, d2.DelaySeconds, 1e-9)
}

func TestEvaluateBackoffCapsAtMaxDelay(t *testing.T) {
	c := New(render.New())
	cfg := Config{
		MaxAttempts:       10,
		InitialDelay:      1_000_000_000,
		BackoffMultiplier: 10.0,
		MaxDelay:          5_000_000_000,
		Jitter:            false,
	}
	decision := c.Evaluate(cfg, 5, FailureEvent{EventType: "action_error"})
	require.True(t, decision.Retry)
	assert.InDelta(t, 5.0, decision.DelaySeconds, 1e-9)
}

func TestEvaluateJitterStaysInBounds(t *testing.T) {
	c := New(render.New())
	cfg := Config{
		MaxAttempts:       5,
		InitialDelay:      1_000_000_000,
		BackoffMultiplier: 1.0,
		Jitter:            true,
	}
	for i := 0; i < 50; i++ {
		decision := c.Evaluate(cfg, 1, FailureEvent{EventType: "action_error"})
		require.True(t, decision.Retry)
		assert.GreaterOrEqual(t, decision.DelaySeconds, 0.5)
		assert.LessOrEqual(t, decision.DelaySeconds, 1.5)
	}
}

func TestFromActionNil(t *testing.T) {
	cfg := FromAction(nil)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestFromActionBoolFalseDisables(t *testing.T) {
	b := false
	cfg := FromAction(playbook.RawRetry{Bool: &b})
	assert.Equal(t, 1, cfg.MaxAttempts)
}

func TestFromActionInt(t *testing.T) {
	n := 5
	cfg := FromAction(playbook.RawRetry{Int: &n})
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestFromActionObjectOverridesFields(t *testing.T) {
	raw := map[string]any{
		"Max":       7,
		"Initial":   2.0,
		"Mult":      3.0,
		"MaxDelay":  60.0,
		"Jitter":    true,
		"RetryWhen": "{{ true }}",
		"StopWhen":  "{{ false }}",
	}
	cfg := FromAction(raw)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.InitialDelay)
	assert.Equal(t, 3.0, cfg.BackoffMultiplier)
	assert.Equal(t, 60*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.Jitter)
	assert.Equal(t, "{{ true }}", cfg.RetryWhen)
	assert.Equal(t, "{{ false }}", cfg.StopWhen)
}

func TestFromActionOmittedJitterKeepsDefault(t *testing.T) {
	cfg := FromAction(map[string]any{"Max": 4})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.True(t, cfg.Jitter)
}

func TestFromActionUnmarshalableFallsBackToDefault(t *testing.T) {
	cfg := FromAction(make(chan int))
	assert.Equal(t, 3, cfg.MaxAttempts)
}
