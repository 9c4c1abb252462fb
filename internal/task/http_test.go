package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutorSuccessDecodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "bar", payload["foo"])
		w.Header().Set("X-Trace", "abc")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{
		URL:    srv.URL,
		Method: "post",
		Data:   map[string]any{"foo": "bar"},
	}, nil)

	require.Equal(t, StatusSuccess, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, 200, data["status_code"])
	body := data["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
}

func TestHTTPExecutorErrorStatusReturnsErrorResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{URL: srv.URL}, nil)

	assert.Equal(t, StatusError, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, 404, data["status_code"])
}

func TestHTTPExecutorUsesEndpointWhenURLEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{Endpoint: srv.URL}, nil)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestHTTPExecutorRequiresURL(t *testing.T) {
	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{Name: "x"}, nil)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "no url/endpoint")
}

func TestHTTPExecutorSetsCustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{
		URL:     srv.URL,
		Headers: map[string]any{"X-Api-Key": "secret-token"},
	}, nil)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestHTTPExecutorFallsBackToRawBodyOnNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	result := e.Execute(context.Background(), Task{URL: srv.URL}, nil)
	require.Equal(t, StatusSuccess, result.Status)
	data := result.Data.(map[string]any)
	assert.Equal(t, "plain text", data["body"])
}
