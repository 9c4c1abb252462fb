package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsWorkflowAndStepsAliases(t *testing.T) {
	doc, err := Parse([]byte(`
path: p1
version: 0.1.0
workflow:
- step: start
  type: http
  next:
  - step: a
`))
	require.NoError(t, err)
	assert.Equal(t, "p1", doc.Path)
	require.Len(t, doc.Steps, 1)
	assert.Equal(t, "start", doc.Steps[0].StepName())

	doc2, err := Parse([]byte(`
steps:
- name: start
  type: http
`))
	require.NoError(t, err)
	require.Len(t, doc2.Steps, 1)
	assert.Equal(t, "start", doc2.Steps[0].StepName())
}

func TestStepNamePrefersStepOverName(t *testing.T) {
	s := Step{Name: "a", AltName: "b"}
	assert.Equal(t, "a", s.StepName())

	s2 := Step{AltName: "b"}
	assert.Equal(t, "b", s2.StepName())
}

func TestIsActionable(t *testing.T) {
	assert.True(t, Step{Type: TaskHTTP}.IsActionable())
	assert.True(t, Step{Type: TaskPostgres}.IsActionable())
	assert.False(t, Step{Type: TaskPython}.IsActionable())
	assert.True(t, Step{Type: TaskPython, Code: "print(1)"}.IsActionable())
	assert.False(t, Step{Type: "result"}.IsActionable())
}

func TestTransitionTarget(t *testing.T) {
	assert.Equal(t, "a", Transition{Step: "a", Then: "b", Else: "c"}.Target())
	assert.Equal(t, "b", Transition{Then: "b", Else: "c"}.Target())
	assert.Equal(t, "c", Transition{Else: "c"}.Target())
}

func TestLoopEffectiveModeDefaultsAsync(t *testing.T) {
	assert.Equal(t, LoopAsync, Loop{}.EffectiveMode())
	assert.Equal(t, LoopSequential, Loop{Mode: LoopSequential}.EffectiveMode())
}

func TestFindStepAndStartStep(t *testing.T) {
	doc := &Document{Steps: []Step{{Name: "start"}, {Name: "a"}}}
	step, ok := doc.StartStep()
	require.True(t, ok)
	assert.Equal(t, "start", step.StepName())

	_, ok = doc.FindStep("missing")
	assert.False(t, ok)
}

func TestRawRetryUnmarshalScalarBool(t *testing.T) {
	doc, err := Parse([]byte("workflow:\n- step: a\n  type: http\n  retry: true\n"))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	require.True(t, step.Retry.IsSet())
	require.NotNil(t, step.Retry.Bool)
	assert.True(t, *step.Retry.Bool)
}

func TestRawRetryUnmarshalScalarInt(t *testing.T) {
	doc, err := Parse([]byte("workflow:\n- step: a\n  type: http\n  retry: 7\n"))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	require.NotNil(t, step.Retry.Int)
	assert.Equal(t, 7, *step.Retry.Int)
}

func TestRawRetryUnmarshalMapping(t *testing.T) {
	doc, err := Parse([]byte(`
workflow:
- step: a
  type: http
  retry:
    max_attempts: 4
`))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	assert.Equal(t, 4, step.Retry.Max)
	assert.Nil(t, step.Retry.Bool)
	assert.Nil(t, step.Retry.Int)
}

func TestRawRetryAbsentIsNotSet(t *testing.T) {
	doc, err := Parse([]byte("workflow:\n- step: a\n  type: http\n"))
	require.NoError(t, err)
	step, _ := doc.FindStep("a")
	assert.False(t, step.Retry.IsSet())
}
