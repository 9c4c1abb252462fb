package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartRunsImmediatelyAndOnSchedule(t *testing.T) {
	var calls int64
	job := New("test-job", "@every 1h", func(ctx context.Context) {
		atomic.AddInt64(&calls, 1)
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, job.Start(ctx))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestStartTwiceIsNoOp(t *testing.T) {
	var calls int64
	job := New("test-job", "@every 1h", func(ctx context.Context) {
		atomic.AddInt64(&calls, 1)
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, job.Start(ctx))
	require.NoError(t, job.Start(ctx))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestStartReturnsErrorOnInvalidSchedule(t *testing.T) {
	job := New("bad-job", "not a schedule", func(ctx context.Context) {}, testLogger())
	err := job.Start(context.Background())
	assert.Error(t, err)
}

func TestStopHaltsFurtherRuns(t *testing.T) {
	job := New("test-job", "@every 1h", func(ctx context.Context) {}, testLogger())
	ctx := context.Background()

	require.NoError(t, job.Start(ctx))
	job.Stop()
	assert.False(t, job.running)
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	job := New("test-job", "@every 1h", func(ctx context.Context) {}, testLogger())
	assert.NotPanics(t, func() { job.Stop() })
}

func TestContextCancellationStopsJob(t *testing.T) {
	job := New("test-job", "@every 1h", func(ctx context.Context) {}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, job.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		job.mu.Lock()
		defer job.mu.Unlock()
		return !job.running
	}, time.Second, 10*time.Millisecond)
}
