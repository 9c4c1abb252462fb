// Package workerclient implements the worker side of the worker protocol:
// an HTTP client for the lease/heartbeat/complete/fail/events/pool
// surface, gated behind an adaptive concurrency limiter, plus the worker
// pool loop that leases jobs, dispatches them through the executor
// registry, and reports their outcome back to the server.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/queue"
)

// PoolStatus mirrors the GET /pool/status response the adaptive gate probe
// polls.
type PoolStatus struct {
	Utilization     float64 `json:"utilization"`
	SlotsAvailable  int     `json:"slots_available"`
	RequestsWaiting int     `json:"requests_waiting"`
	PoolMax         int     `json:"pool_max"`
}

// Client is the HTTP client a worker uses to talk to the server's worker
// API. All outbound calls pass through the adaptive Gate.
type Client struct {
	http     *http.Client
	baseURL  string
	workerID string
	gate     *Gate
	logger   *slog.Logger
}

// New constructs a Client bound to the server base URL and worker identity.
func New(baseURL, workerID string, gate *Gate, logger *slog.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		gate:     gate,
		logger:   logger,
	}
}

// Lease calls POST /queue/lease. The second return value is false when the
// server had nothing to hand out.
func (c *Client) Lease(ctx context.Context, leaseSeconds int) (queue.Job, bool, error) {
	var job queue.Job
	status, err := c.do(ctx, http.MethodPost, "/queue/lease", map[string]any{
		"worker_id":     c.workerID,
		"lease_seconds": leaseSeconds,
	}, &job)
	if err != nil {
		return queue.Job{}, false, err
	}
	if status == http.StatusNoContent {
		return queue.Job{}, false, nil
	}
	return job, true, nil
}

// Heartbeat calls POST /queue/{id}/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, jobID int64, extendSeconds int) error {
	body := map[string]any{"worker_id": c.workerID}
	if extendSeconds > 0 {
		body["extend_seconds"] = extendSeconds
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%d/heartbeat", jobID), body, nil)
	return err
}

// Complete calls POST /queue/{id}/complete (ack).
func (c *Client) Complete(ctx context.Context, jobID int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%d/complete", jobID), map[string]any{
		"worker_id": c.workerID,
	}, nil)
	return err
}

// Fail calls POST /queue/{id}/fail (nack). retryDelaySeconds and retry are
// optional hints; a nil value lets the server apply its own retry policy.
func (c *Client) Fail(ctx context.Context, jobID int64, retryDelaySeconds *float64, retry *bool) error {
	body := map[string]any{"worker_id": c.workerID}
	if retryDelaySeconds != nil {
		body["retry_delay_seconds"] = *retryDelaySeconds
	}
	if retry != nil {
		body["retry"] = *retry
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/queue/%d/fail", jobID), body, nil)
	return err
}

// PostEvent calls POST /events and returns the stored event.
func (c *Client) PostEvent(ctx context.Context, event eventlog.Event) (eventlog.Event, error) {
	var stored eventlog.Event
	_, err := c.do(ctx, http.MethodPost, "/events", event, &stored)
	return stored, err
}

// PoolStatus calls GET /pool/status, used by the adaptive gate probe.
func (c *Client) PoolStatus(ctx context.Context) (PoolStatus, error) {
	var status PoolStatus
	_, err := c.do(ctx, http.MethodGet, "/pool/status", nil, &status)
	return status, err
}

// do performs one gated HTTP round-trip. statusCode is returned even on
// error so callers that need it (Lease's 204 check) can inspect it.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return 0, err
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.gate.Release(0)
			return 0, fmt.Errorf("workerclient: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		c.gate.Release(0)
		return 0, fmt.Errorf("workerclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.gate.Release(0)
		return 0, fmt.Errorf("workerclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.gate.Release(resp.StatusCode)

	if resp.StatusCode == http.StatusServiceUnavailable {
		return resp.StatusCode, fmt.Errorf("workerclient: %s %s: server overloaded (503)", method, path)
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("workerclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(payload))
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("workerclient: decode response for %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
