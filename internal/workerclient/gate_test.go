package workerclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGateClampsInitialToMinimumOne(t *testing.T) {
	g := NewGate(0, 10)
	assert.Equal(t, 1.0, g.Limit())
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g := NewGate(2, 10)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.inFlight)

	g.Release(200)
	assert.Equal(t, 1, g.inFlight)
}

func TestAcquireBlocksUntilSlotFreed(t *testing.T) {
	g := NewGate(1, 10)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = g.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while the only slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(200)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := NewGate(1, 10)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseHalvesLimitOn503(t *testing.T) {
	g := NewGate(8, 10)
	g.Release(503)
	assert.Equal(t, 4.0, g.Limit())
}

func TestReleaseLimitNeverDropsBelowMin(t *testing.T) {
	g := NewGate(1, 10)
	g.Release(503)
	assert.Equal(t, 1.0, g.Limit())
}

func TestReleaseGrowsLimitAdditivelyOnSuccess(t *testing.T) {
	g := NewGate(1, 2)
	g.Release(200)
	assert.InDelta(t, 1.1, g.Limit(), 1e-9)
}

func TestReleaseGrowthCapsAtMax(t *testing.T) {
	g := NewGate(1.95, 2)
	g.Release(200)
	assert.Equal(t, 2.0, g.Limit())
}

func TestReleaseOpensBackoffWindowOn503(t *testing.T) {
	g := NewGate(8, 10)
	g.Release(503)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "acquire should be blocked by the backoff window")
}

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, maxBackoff, backoffDelay(10))
}

func TestAdjustFromUtilizationShrinksOnHighUtilization(t *testing.T) {
	g := NewGate(10, 20)
	g.AdjustFromUtilization(0.9, 0)
	assert.InDelta(t, 9.0, g.Limit(), 1e-9)
}

func TestAdjustFromUtilizationShrinksOnWaiters(t *testing.T) {
	g := NewGate(10, 20)
	g.AdjustFromUtilization(0.1, 3)
	assert.InDelta(t, 9.0, g.Limit(), 1e-9)
}

func TestAdjustFromUtilizationGrowsOnLowUtilization(t *testing.T) {
	g := NewGate(5, 20)
	g.AdjustFromUtilization(0.2, 0)
	assert.InDelta(t, 5.1, g.Limit(), 1e-9)
}

func TestAdjustFromUtilizationNoOpInMiddleBand(t *testing.T) {
	g := NewGate(5, 20)
	g.AdjustFromUtilization(0.5, 0)
	assert.Equal(t, 5.0, g.Limit())
}
