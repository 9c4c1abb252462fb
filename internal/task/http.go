package task

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor implements the `http` task kind.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor constructs an HTTPExecutor with a bounded default client.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	url := t.URL
	if url == "" {
		url = t.Endpoint
	}
	if url == "" {
		return Failf("http task %q: no url/endpoint configured", t.Name)
	}

	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	payload := firstNonNil(t.Payload, t.Data, args)
	if payload != nil && method != http.MethodGet {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Fail(err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Fail(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Fail(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fail(err)
	}

	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) != nil {
		decoded = string(raw)
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        decoded,
	}

	if resp.StatusCode >= 400 {
		return Result{Status: StatusError, Data: data, Error: resp.Status}
	}
	return Success(data)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func firstNonNil(maps ...map[string]any) map[string]any {
	for _, m := range maps {
		if len(m) > 0 {
			return m
		}
	}
	return nil
}
