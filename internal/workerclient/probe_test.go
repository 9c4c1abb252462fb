package workerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProbeShrinksGateUnderHighUtilization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"utilization":0.95,"requests_waiting":3,"slots_available":0,"pool_max":10}`))
	}))
	defer srv.Close()

	gate := NewGate(8, 16)
	client := New(srv.URL, "w1", gate, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	before := gate.Limit()
	RunProbe(ctx, client, gate, 5*time.Millisecond, noopLogger())
	after := gate.Limit()

	assert.Less(t, after, before)
}

func TestRunProbeStopsOnContextDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"utilization":0.1}`))
	}))
	defer srv.Close()

	gate := NewGate(8, 16)
	client := New(srv.URL, "w1", gate, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		RunProbe(ctx, client, gate, time.Millisecond, noopLogger())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "RunProbe did not return promptly after context cancellation")
	}
}
