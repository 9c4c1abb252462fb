package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPythonExecutorRequiresCode(t *testing.T) {
	e := NewPythonExecutor("")
	result := e.Execute(context.Background(), Task{Name: "p"}, nil)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "no code configured")
}

func TestNewPythonExecutorDefaultsInterpreter(t *testing.T) {
	e := NewPythonExecutor("")
	assert.Equal(t, "python3", e.interpreter)
}

func TestNewPythonExecutorHonorsExplicitInterpreter(t *testing.T) {
	e := NewPythonExecutor("pypy3")
	assert.Equal(t, "pypy3", e.interpreter)
}

func TestPyStringLiteralEscapesQuotesAndNewlines(t *testing.T) {
	out := pyStringLiteral("say \"hi\"\nbye")
	assert.Equal(t, `"say \"hi\"\nbye"`, out)
}
