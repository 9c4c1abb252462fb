// Package retry implements the Retry Controller: given a failure event and a
// step's retry configuration, it decides whether to retry and with what delay.
package retry

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/gorax/flow/internal/playbook"
	"github.com/gorax/flow/internal/render"
)

// Config is the normalized retry policy for a step, after resolving the
// playbook's bool/int/object forms of the `retry` field.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool
	RetryWhen         string
	StopWhen          string
}

// Default is the retry policy applied when a step has no retry block.
func Default() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          60 * time.Second,
		Jitter:            true,
	}
}

// FromPlaybook normalizes a step's raw YAML retry block into a Config,
// falling back to Default for any field the author omitted.
func FromPlaybook(raw playbook.RawRetry) Config {
	cfg := Default()
	if !raw.IsSet() {
		return cfg
	}

	switch {
	case raw.Bool != nil:
		if !*raw.Bool {
			cfg.MaxAttempts = 1
		}
		return cfg
	case raw.Int != nil:
		cfg.MaxAttempts = *raw.Int
		return cfg
	}

	if raw.Max > 0 {
		cfg.MaxAttempts = raw.Max
	}
	if raw.Initial > 0 {
		cfg.InitialDelay = time.Duration(raw.Initial * float64(time.Second))
	}
	if raw.Mult > 0 {
		cfg.BackoffMultiplier = raw.Mult
	}
	if raw.MaxDelay > 0 {
		cfg.MaxDelay = time.Duration(raw.MaxDelay * float64(time.Second))
	}
	if raw.Jitter != nil {
		cfg.Jitter = *raw.Jitter
	}
	cfg.RetryWhen = raw.RetryWhen
	cfg.StopWhen = raw.StopWhen
	return cfg
}

// FromAction decodes the `retry` field a queued job's action carries (the
// JSON round-trip of a playbook.RawRetry the Broker embedded when it
// enqueued the step) back into a Config, applying the same bool/int/object
// precedence as FromPlaybook. A step with no retry block round-trips as
// all-zero, which leaves every field at its default.
func FromAction(rawRetry any) Config {
	cfg := Default()
	if rawRetry == nil {
		return cfg
	}

	encoded, err := json.Marshal(rawRetry)
	if err != nil {
		return cfg
	}

	var mirror struct {
		Bool      *bool   `json:"Bool"`
		Int       *int    `json:"Int"`
		Max       int     `json:"Max"`
		Initial   float64 `json:"Initial"`
		Mult      float64 `json:"Mult"`
		MaxDelay  float64 `json:"MaxDelay"`
		Jitter    *bool   `json:"Jitter"`
		RetryWhen string  `json:"RetryWhen"`
		StopWhen  string  `json:"StopWhen"`
	}
	if err := json.Unmarshal(encoded, &mirror); err != nil {
		return cfg
	}

	switch {
	case mirror.Bool != nil:
		if !*mirror.Bool {
			cfg.MaxAttempts = 1
		}
		return cfg
	case mirror.Int != nil:
		cfg.MaxAttempts = *mirror.Int
		return cfg
	}

	if mirror.Max > 0 {
		cfg.MaxAttempts = mirror.Max
	}
	if mirror.Initial > 0 {
		cfg.InitialDelay = time.Duration(mirror.Initial * float64(time.Second))
	}
	if mirror.Mult > 0 {
		cfg.BackoffMultiplier = mirror.Mult
	}
	if mirror.MaxDelay > 0 {
		cfg.MaxDelay = time.Duration(mirror.MaxDelay * float64(time.Second))
	}
	if mirror.Jitter != nil {
		cfg.Jitter = *mirror.Jitter
	}
	cfg.RetryWhen = mirror.RetryWhen
	cfg.StopWhen = mirror.StopWhen
	return cfg
}

// FailureEvent carries the fields the decision needs from the event that
// triggered the retry evaluation.
type FailureEvent struct {
	EventType   string
	ExecutionID int64
	NodeID      string
	Status      string
	Result      map[string]any
	Error       string
	StatusCode  int
	Success     bool
}

// Decision is the outcome of evaluating a retry policy.
type Decision struct {
	Retry        bool
	DelaySeconds float64
}

// Controller evaluates retry decisions using the Renderer to resolve
// stop_when/retry_when expressions.
type Controller struct {
	renderer *render.Renderer
	rand     *rand.Rand
}

// New constructs a Controller bound to a Renderer.
func New(renderer *render.Renderer) *Controller {
	return &Controller{
		renderer: renderer,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Evaluate decides whether a failed attempt is retried: bound attempts,
// then stop_when, then retry_when (or the action_error/action_failed
// default), then the exponential backoff with optional jitter.
func (c *Controller) Evaluate(cfg Config, attempt int, event FailureEvent) Decision {
	if attempt >= cfg.MaxAttempts {
		return Decision{Retry: false}
	}

	evalCtx := map[string]any{
		"result":       event.Result,
		"error":        event.Error,
		"status_code":  event.StatusCode,
		"success":      event.Success,
		"data":         event.Result,
		"attempt":      attempt,
		"execution_id": event.ExecutionID,
		"node_id":      event.NodeID,
		"event_type":   event.EventType,
		"status":       event.Status,
	}

	if cfg.StopWhen != "" {
		if stop, err := c.renderer.EvaluateCondition(cfg.StopWhen, evalCtx); err == nil && stop {
			return Decision{Retry: false}
		}
	}

	shouldRetry := event.EventType == "action_error" || event.EventType == "action_failed"
	if cfg.RetryWhen != "" {
		ok, err := c.renderer.EvaluateCondition(cfg.RetryWhen, evalCtx)
		shouldRetry = err == nil && ok
	}
	if !shouldRetry {
		return Decision{Retry: false}
	}

	delay := c.backoff(cfg, attempt)
	return Decision{Retry: true, DelaySeconds: delay}
}

// backoff computes initial_delay * backoff_multiplier^(attempt-1), capped at
// max_delay, with multiplicative jitter in [0.5, 1.5] when enabled.
func (c *Controller) backoff(cfg Config, attempt int) float64 {
	delay := cfg.InitialDelay.Seconds()
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
	}
	if max := cfg.MaxDelay.Seconds(); delay > max {
		delay = max
	}
	if cfg.Jitter {
		delay *= 0.5 + c.rand.Float64()
	}
	return delay
}
