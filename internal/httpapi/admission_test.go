package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionAcquiresUpToLimit(t *testing.T) {
	a := newAdmission(2)

	_, ok1 := a.tryAcquire(context.Background())
	_, ok2 := a.tryAcquire(context.Background())
	_, ok3 := a.tryAcquire(context.Background())
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
}

func TestAdmissionReleaseFreesSlot(t *testing.T) {
	a := newAdmission(1)
	release, ok := a.tryAcquire(context.Background())
	require.True(t, ok)

	_, ok2 := a.tryAcquire(context.Background())
	assert.False(t, ok2)

	release()
	_, ok3 := a.tryAcquire(context.Background())
	assert.True(t, ok3)
}

func TestAdmissionDefaultsLimitWhenNonPositive(t *testing.T) {
	a := newAdmission(0)
	assert.Equal(t, 64, a.limit)
}

func TestAdmissionStatusReportsUtilization(t *testing.T) {
	a := newAdmission(4)
	_, ok := a.tryAcquire(context.Background())
	require.True(t, ok)

	utilization, slots, max := a.status(context.Background())
	assert.InDelta(t, 0.25, utilization, 1e-9)
	assert.Equal(t, 3, slots)
	assert.Equal(t, 4, max)
}

func newTestRedisClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisAdmissionAcquiresUpToLimit(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	a := newRedisAdmission(client, 2, time.Minute)

	_, ok1 := a.tryAcquire(context.Background())
	_, ok2 := a.tryAcquire(context.Background())
	_, ok3 := a.tryAcquire(context.Background())
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
}

func TestRedisAdmissionReleaseFreesSlot(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	a := newRedisAdmission(client, 1, time.Minute)

	release, ok := a.tryAcquire(context.Background())
	require.True(t, ok)

	_, ok2 := a.tryAcquire(context.Background())
	assert.False(t, ok2)

	release()
	_, ok3 := a.tryAcquire(context.Background())
	assert.True(t, ok3)
}

func TestRedisAdmissionStatusReflectsInFlightCount(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	a := newRedisAdmission(client, 4, time.Minute)

	_, ok := a.tryAcquire(context.Background())
	require.True(t, ok)

	utilization, slots, max := a.status(context.Background())
	assert.InDelta(t, 0.25, utilization, 1e-9)
	assert.Equal(t, 3, slots)
	assert.Equal(t, 4, max)
}

func TestRedisAdmissionDefaultsLimitAndTTL(t *testing.T) {
	client := newTestRedisClient(t)
	defer client.Close()
	a := newRedisAdmission(client, 0, 0)
	assert.Equal(t, 64, a.limit)
	assert.Equal(t, 2*time.Minute, a.ttl)
}
