package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flow/internal/eventlog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "worker-1", NewGate(4, 16), nil)
}

func TestLeaseReturnsJobOnOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue/lease", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker-1", body["worker_id"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "execution_id": 1})
	})

	job, ok, err := c.Lease(context.Background(), 30)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), job.ID)
}

func TestLeaseReturnsNotOKOn204(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, ok, err := c.Lease(context.Background(), 30)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatIncludesExtendSecondsWhenPositive(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	err := c.Heartbeat(context.Background(), 7, 60)
	require.NoError(t, err)
	assert.Equal(t, float64(60), gotBody["extend_seconds"])
}

func TestCompletePostsWorkerID(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := c.Complete(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "/queue/9/complete", path)
}

func TestFailIncludesOptionalHints(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	delay := 5.0
	retry := true
	err := c.Fail(context.Background(), 3, &delay, &retry)
	require.NoError(t, err)
	assert.Equal(t, 5.0, gotBody["retry_delay_seconds"])
	assert.Equal(t, true, gotBody["retry"])
}

func TestPostEventReturnsStoredEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eventlog.Event{ExecutionID: 1, EventID: 2})
	})

	stored, err := c.PostEvent(context.Background(), eventlog.Event{ExecutionID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.EventID)
}

func TestPoolStatusDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(PoolStatus{Utilization: 0.5, SlotsAvailable: 2, PoolMax: 4})
	})

	status, err := c.PoolStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, status.Utilization)
	assert.Equal(t, 4, status.PoolMax)
}

func TestDoReturnsErrorOn503AndReleasesGate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.PoolStatus(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestDoReturnsErrorOnNon2xxStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := c.PoolStatus(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
