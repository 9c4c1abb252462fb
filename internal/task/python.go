package task

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"
)

// PythonExecutor implements the `python` task kind by running the step's
// code in an interpreter subprocess. The process boundary is the sandbox:
// untrusted step code never runs inside the worker's own address space.
type PythonExecutor struct {
	interpreter string
	timeout     time.Duration
}

// NewPythonExecutor constructs a PythonExecutor that shells out to the
// given interpreter binary (e.g. "python3").
func NewPythonExecutor(interpreter string) *PythonExecutor {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &PythonExecutor{interpreter: interpreter, timeout: 30 * time.Second}
}

// pythonHarness wraps the step's code so it can read the rendered context
// as JSON on stdin and must print its result as the final line of stdout.
const pythonHarness = `
import json, sys, traceback
_ctx = json.loads(sys.stdin.read() or "{}")
try:
    exec(compile(_code, "<step>", "exec"), {"context": _ctx, "args": _ctx})
except Exception:
    print(json.dumps({"__flow_error__": traceback.format_exc()}))
`

func (e *PythonExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	if strings.TrimSpace(t.Code) == "" {
		return Failf("python task %q: no code configured", t.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	script := "_code = " + pyStringLiteral(t.Code) + "\n" + pythonHarness
	cmd := exec.CommandContext(runCtx, e.interpreter, "-c", script)

	stdin, err := json.Marshal(args)
	if err != nil {
		return Fail(err)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	out, err := cmd.Output()
	if err != nil {
		return Failf("python task %q: %v", t.Name, err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := lines[len(lines)-1]

	var decoded map[string]any
	if jsonErr := json.Unmarshal([]byte(last), &decoded); jsonErr == nil {
		if msg, failed := decoded["__flow_error__"]; failed {
			return Failf("python task %q: %v", t.Name, msg)
		}
		return Success(decoded)
	}
	return Success(map[string]any{"stdout": string(out)})
}

func pyStringLiteral(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}
