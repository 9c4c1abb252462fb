package obs

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/gorax/flow/internal/config"
)

// ctxKey namespaces values this package reads out of a context for error
// tag enrichment, separate from any other package's context keys.
type ctxKey string

const (
	ctxExecutionID ctxKey = "execution_id"
	ctxNodeID      ctxKey = "node_id"
	ctxJobID       ctxKey = "job_id"
	ctxWorkerID    ctxKey = "worker_id"
)

// WithExecutionID attaches an execution id to ctx for later error enrichment.
func WithExecutionID(ctx context.Context, executionID int64) context.Context {
	return context.WithValue(ctx, ctxExecutionID, fmt.Sprintf("%d", executionID))
}

// WithNodeID attaches a node id to ctx for later error enrichment.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, ctxNodeID, nodeID)
}

// WithJobID attaches a queue job id to ctx for later error enrichment.
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, ctxJobID, fmt.Sprintf("%d", jobID))
}

// WithWorkerID attaches a worker id to ctx for later error enrichment.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ctxWorkerID, workerID)
}

// ErrorTracker wraps the Sentry SDK for capturing broker, queue, and worker
// errors with execution-scoped tags. A disabled tracker is a safe no-op so
// call sites never need to branch on whether Sentry is configured.
type ErrorTracker struct {
	enabled bool
	hub     sentryHub
}

// sentryHub is the subset of *sentry.Hub this package depends on, narrowed
// so tests can substitute a fake.
type sentryHub interface {
	CaptureException(exception error) *sentry.EventID
	WithScope(f func(*sentry.Scope))
	Flush(timeout time.Duration) bool
	Recover(err interface{}) *sentry.EventID
}

// InitErrorTracking sets up Sentry from the observability config. When
// disabled it returns a tracker whose methods are no-ops.
func InitErrorTracking(cfg config.ObservabilityConfig) (*ErrorTracker, error) {
	tracker := &ErrorTracker{enabled: cfg.SentryEnabled}
	if !cfg.SentryEnabled {
		return tracker, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		TracesSampleRate: cfg.SentrySampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return nil, fmt.Errorf("obs: initialize sentry: %w", err)
	}

	tracker.hub = sentry.CurrentHub()
	return tracker, nil
}

// CaptureError reports err to Sentry tagged with whatever execution/node/
// job/worker ids ctx carries, returning the Sentry event id (empty when
// disabled or err is nil).
func (t *ErrorTracker) CaptureError(ctx context.Context, err error) string {
	if !t.enabled || err == nil {
		return ""
	}

	tags := enrichContext(ctx)
	var eventID *sentry.EventID
	t.hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		eventID = t.hub.CaptureException(err)
	})
	if eventID != nil {
		return string(*eventID)
	}
	return ""
}

// RecoverPanic recovers a panic on the calling goroutine and reports it,
// tagged from ctx. Call it deferred at the top of the worker pool's job
// loop and the HTTP server's per-request handler.
func (t *ErrorTracker) RecoverPanic(ctx context.Context) {
	if !t.enabled {
		return
	}
	if r := recover(); r != nil {
		tags := enrichContext(ctx)
		t.hub.WithScope(func(scope *sentry.Scope) {
			for key, value := range tags {
				scope.SetTag(key, value)
			}
			t.hub.Recover(r)
		})
		t.hub.Flush(2 * time.Second)
	}
}

// Flush blocks until buffered events are sent or timeout elapses.
func (t *ErrorTracker) Flush(timeout time.Duration) {
	if !t.enabled {
		return
	}
	t.hub.Flush(timeout)
}

func enrichContext(ctx context.Context) map[string]string {
	tags := make(map[string]string)
	for key, name := range map[ctxKey]string{
		ctxExecutionID: "execution_id",
		ctxNodeID:      "node_id",
		ctxJobID:       "job_id",
		ctxWorkerID:    "worker_id",
	} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			tags[name] = v
		}
	}
	return tags
}
