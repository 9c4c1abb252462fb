// Package playbook parses the YAML documents that describe a workflow graph:
// steps, their task configuration, transitions, loops, and retry policy.
package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TaskType enumerates the closed set of executor kinds the Broker may dispatch to.
type TaskType string

const (
	TaskHTTP         TaskType = "http"
	TaskPython       TaskType = "python"
	TaskPostgres     TaskType = "postgres"
	TaskDuckDB       TaskType = "duckdb"
	TaskSnowflake    TaskType = "snowflake"
	TaskTransfer     TaskType = "transfer"
	TaskSecrets      TaskType = "secrets"
	TaskPlaybook     TaskType = "playbook"
	TaskWorkbook     TaskType = "workbook"
	TaskIterator     TaskType = "iterator"
	TaskSave         TaskType = "save"
	TaskAggregation  TaskType = "result_aggregation"
)

// actionableTypes are step kinds the Broker enqueues as a worker job. Every
// other step type is a result-only step: its `result` mapping is rendered
// and the workflow completes without a queue round-trip.
var actionableTypes = map[TaskType]bool{
	TaskHTTP:     true,
	TaskPython:   true,
	TaskDuckDB:   true,
	TaskPostgres: true,
	TaskSecrets:  true,
	TaskWorkbook: true,
	TaskPlaybook: true,
	TaskSave:     true,
}

// Document is the top-level playbook document as authored in YAML.
type Document struct {
	Path     string         `yaml:"path"`
	Version  string         `yaml:"version"`
	Steps    []Step         `yaml:"workflow"`
	Workbook []WorkbookItem `yaml:"workbook"`
}

// yamlDocument mirrors Document but also accepts the `steps` alias for `workflow`.
type yamlDocument struct {
	Path     string         `yaml:"path"`
	Version  string         `yaml:"version"`
	Workflow []Step         `yaml:"workflow"`
	Steps    []Step         `yaml:"steps"`
	Workbook []WorkbookItem `yaml:"workbook"`
}

// Step is one node of the workflow graph.
type Step struct {
	Name         string         `yaml:"step"`
	AltName      string         `yaml:"name"`
	Type         TaskType       `yaml:"type"`
	Code         string         `yaml:"code"`
	Command      string         `yaml:"command"`
	Commands     []string       `yaml:"commands"`
	SQL          string         `yaml:"sql"`
	URL          string         `yaml:"url"`
	Endpoint     string         `yaml:"endpoint"`
	Method       string         `yaml:"method"`
	Headers      map[string]any `yaml:"headers"`
	Params       map[string]any `yaml:"params"`
	Data         map[string]any `yaml:"data"`
	Payload      map[string]any `yaml:"payload"`
	With         map[string]any `yaml:"with"`
	ResourcePath string         `yaml:"resource_path"`
	Content      string         `yaml:"content"`
	Loop         *Loop          `yaml:"loop"`
	Save         map[string]any `yaml:"save"`
	Result       map[string]any `yaml:"result"`
	Retry        RawRetry       `yaml:"retry"`
	Next         []Transition   `yaml:"next"`
}

// StepName resolves the step's identifier, accepting the `name` alias.
func (s Step) StepName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.AltName
}

// IsActionable reports whether this step dispatches to a worker job rather
// than being resolved inline as a result-only step.
func (s Step) IsActionable() bool {
	if !actionableTypes[s.Type] {
		return false
	}
	if s.Type == TaskPython && s.Code == "" {
		return false
	}
	return true
}

// Transition is one outgoing edge from a step.
type Transition struct {
	When string         `yaml:"when"`
	Step string         `yaml:"step"`
	Then string         `yaml:"then"`
	Else string         `yaml:"else"`
	With map[string]any `yaml:"with"`
}

// Target resolves the transition's destination step name across its aliases.
func (t Transition) Target() string {
	if t.Step != "" {
		return t.Step
	}
	if t.Then != "" {
		return t.Then
	}
	return t.Else
}

// LoopMode selects how loop iterations are prioritized in the work queue.
type LoopMode string

const (
	LoopAsync      LoopMode = "async"
	LoopSequential LoopMode = "sequential"
)

// Loop describes the `loop` block attached to a step.
type Loop struct {
	In       string   `yaml:"in"`
	Iterator string   `yaml:"iterator"`
	Mode     LoopMode `yaml:"mode"`
}

// EffectiveMode returns the configured mode, defaulting to async.
func (l Loop) EffectiveMode() LoopMode {
	if l.Mode == "" {
		return LoopAsync
	}
	return l.Mode
}

// WorkbookItem is one named reusable action referenced by `type: workbook` steps.
type WorkbookItem struct {
	Name string         `yaml:"name"`
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args"`
}

// RawRetry carries the retry block, which in YAML may be `true`, an integer,
// or a full object, before it is normalized into retry.Config.
type RawRetry struct {
	Bool      *bool
	Int       *int
	Max       int     `yaml:"max_attempts"`
	Initial   float64 `yaml:"initial_delay"`
	Mult      float64 `yaml:"backoff_multiplier"`
	MaxDelay  float64 `yaml:"max_delay"`
	Jitter    *bool   `yaml:"jitter"`
	RetryWhen string  `yaml:"retry_when"`
	StopWhen  string  `yaml:"stop_when"`
	set       bool
}

// IsSet reports whether a retry block was present at all.
func (r RawRetry) IsSet() bool { return r.set }

// UnmarshalYAML accepts bool, int, or mapping forms for a step's `retry` field.
func (r *RawRetry) UnmarshalYAML(value *yaml.Node) error {
	r.set = true
	switch value.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := value.Decode(&b); err == nil {
			r.Bool = &b
			return nil
		}
		var n int
		if err := value.Decode(&n); err == nil {
			r.Int = &n
			return nil
		}
		return fmt.Errorf("retry: unsupported scalar value %q", value.Value)
	case yaml.MappingNode:
		type plain RawRetry
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		*r = RawRetry(p)
		r.set = true
		return nil
	default:
		return fmt.Errorf("retry: unsupported YAML node kind")
	}
}

// Parse decodes a playbook document from YAML bytes.
func Parse(data []byte) (*Document, error) {
	var raw yamlDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}

	steps := raw.Workflow
	if len(steps) == 0 {
		steps = raw.Steps
	}

	return &Document{
		Path:     raw.Path,
		Version:  raw.Version,
		Steps:    steps,
		Workbook: raw.Workbook,
	}, nil
}

// FindStep returns the step with the given name, or false if absent.
func (d *Document) FindStep(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.StepName() == name {
			return s, true
		}
	}
	return Step{}, false
}

// StartStep returns the step named "start", the conventional entry point.
func (d *Document) StartStep() (Step, bool) {
	return d.FindStep("start")
}

// FindWorkbook returns the workbook entry with the given name, or false if
// absent.
func (d *Document) FindWorkbook(name string) (WorkbookItem, bool) {
	for _, item := range d.Workbook {
		if item.Name == name {
			return item, true
		}
	}
	return WorkbookItem{}, false
}
