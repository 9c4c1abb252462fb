// Package render evaluates `{{ ... }}` expression templates against a
// context tree: workload, work, input, data, env, job, keychain, and every
// prior step's result keyed by step name. Evaluation is pure and uses
// strict-undefined semantics: unknown identifiers fail.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var templateRegex = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Expression is a parsed template or bare expression.
type Expression struct {
	Raw        string
	IsTemplate bool
	Content    string
}

// Parse classifies raw text as a `{{ ... }}` template or a literal value.
// When raw contains exactly one template span covering the whole string, the
// inner expression content is extracted for compilation.
func Parse(raw string) Expression {
	trimmed := strings.TrimSpace(raw)
	matches := templateRegex.FindStringSubmatch(trimmed)
	if len(matches) == 2 && strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return Expression{Raw: raw, IsTemplate: true, Content: strings.TrimSpace(matches[1])}
	}
	return Expression{Raw: raw, IsTemplate: false, Content: raw}
}

// Renderer compiles and evaluates expressions against a context tree built
// from BuildContext. It never mutates the context it is given. A Renderer
// is shared across every concurrent broker/worker goroutine in a process,
// so its compiled-program cache is mutex-guarded.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New constructs a Renderer with an empty compiled-program cache.
func New() *Renderer {
	return &Renderer{cache: make(map[string]*vm.Program)}
}

// BuildContext assembles the standard context tree the Renderer evaluates
// expressions against.
func BuildContext(workload, work, input, data, env, job, keychain map[string]any, stepResults map[string]any) map[string]any {
	ctx := map[string]any{
		"workload": valueOrEmpty(workload),
		"work":     valueOrEmpty(work),
		"input":    valueOrEmpty(input),
		"data":     valueOrEmpty(data),
		"env":      valueOrEmpty(env),
		"job":      valueOrEmpty(job),
		"keychain": valueOrEmpty(keychain),
	}
	for step, result := range stepResults {
		ctx[step] = result
	}
	return ctx
}

func valueOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// EvaluateCondition evaluates a `when`/`retry_when`/`stop_when` expression
// and coerces the result to bool. A compile or runtime error is returned
// to the caller; for `when` evaluation specifically, callers treat it as
// "condition false".
func (r *Renderer) EvaluateCondition(expression string, context map[string]any) (bool, error) {
	expr := Parse(expression)
	program, err := r.compile(expr.Content, context)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(program, context)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

// Evaluate evaluates an arbitrary expression and returns its raw result.
// Non-template strings are returned verbatim.
func (r *Renderer) Evaluate(raw string, context map[string]any) (any, error) {
	expression := Parse(raw)
	if !expression.IsTemplate {
		return expression.Raw, nil
	}
	program, err := r.compile(expression.Content, context)
	if err != nil {
		return nil, err
	}
	return vm.Run(program, context)
}

// RenderMapping evaluates every string value of a mapping that looks like a
// template and leaves non-template values untouched, returning a new map.
func (r *Renderer) RenderMapping(mapping map[string]any, context map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(mapping))
	for key, value := range mapping {
		rendered, err := r.renderValue(value, context)
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}

func (r *Renderer) renderValue(value any, context map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.Evaluate(v, context)
	case map[string]any:
		return r.RenderMapping(v, context)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.renderValue(item, context)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// compile returns a cached compiled program for the expression's content,
// compiling on first use. The context's shape does not affect caching; the
// expr-lang VM resolves identifiers dynamically against map[string]any envs.
func (r *Renderer) compile(content string, context map[string]any) (*vm.Program, error) {
	r.mu.RLock()
	program, ok := r.cache[content]
	r.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(content, expr.Env(context))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", content, err)
	}

	r.mu.Lock()
	r.cache[content] = program
	r.mu.Unlock()
	return program, nil
}
