package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitter is the concurrency limiter a Server gates its worker-facing
// routes behind. The in-process admission is the default; redisAdmission
// generalizes it to a counter shared across replicas so N servers enforce
// one pool limit.
type admitter interface {
	tryAcquire(ctx context.Context) (release func(), ok bool)
	status(ctx context.Context) (utilization float64, slotsAvailable, poolMax int)
}

// admission is the server's own in-process concurrency limiter over the
// worker-facing endpoints: when at capacity it rejects immediately with
// 503 rather than queueing, which is what drives a worker's adaptive
// concurrency gate to back off.
type admission struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newAdmission(limit int) *admission {
	if limit <= 0 {
		limit = 64
	}
	return &admission{limit: limit}
}

func (a *admission) tryAcquire(context.Context) (func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse >= a.limit {
		return nil, false
	}
	a.inUse++
	return a.release, true
}

func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse > 0 {
		a.inUse--
	}
}

// status reports utilization, free slots, and the configured pool max. This
// gate never queues a rejected request, so requests_waiting is always 0.
func (a *admission) status(context.Context) (utilization float64, slotsAvailable, poolMax int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	poolMax = a.limit
	slotsAvailable = a.limit - a.inUse
	if a.limit > 0 {
		utilization = float64(a.inUse) / float64(a.limit)
	}
	return utilization, slotsAvailable, poolMax
}

// redisAdmission shares one pool-utilization counter across every server
// replica, the cross-replica generalization of admission: an in-flight
// request is a member of a Redis ZSET (score = acquire time), so a crashed
// replica's slots age out instead of leaking forever, mirroring
// TenantConcurrencyLimiter's ZADD/ZCard/ZRemRangeByScore pattern.
type redisAdmission struct {
	client *redis.Client
	key    string
	limit  int
	ttl    time.Duration
}

// newRedisAdmission constructs a cross-replica admitter bound to a shared
// pool key. ttl bounds how long a slot survives without being released,
// the cleanup window for a replica that dies mid-request.
func newRedisAdmission(client *redis.Client, limit int, ttl time.Duration) *redisAdmission {
	if limit <= 0 {
		limit = 64
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisAdmission{client: client, key: "flow:pool:inflight", limit: limit, ttl: ttl}
}

func (a *redisAdmission) tryAcquire(ctx context.Context) (func(), bool) {
	now := time.Now()
	cutoff := now.Add(-a.ttl).Unix()
	a.client.ZRemRangeByScore(ctx, a.key, "0", fmt.Sprintf("%d", cutoff))

	count, err := a.client.ZCard(ctx, a.key).Result()
	if err != nil || int(count) >= a.limit {
		return nil, false
	}

	member := uuid.NewString()
	if _, err := a.client.ZAdd(ctx, a.key, redis.Z{Score: float64(now.Unix()), Member: member}).Result(); err != nil {
		return nil, false
	}
	a.client.Expire(ctx, a.key, a.ttl)

	return func() {
		a.client.ZRem(context.Background(), a.key, member)
	}, true
}

func (a *redisAdmission) status(ctx context.Context) (utilization float64, slotsAvailable, poolMax int) {
	poolMax = a.limit
	count, err := a.client.ZCard(ctx, a.key).Result()
	if err != nil {
		slotsAvailable = a.limit
		return 0, slotsAvailable, poolMax
	}
	slotsAvailable = a.limit - int(count)
	if a.limit > 0 {
		utilization = float64(count) / float64(a.limit)
	}
	return utilization, slotsAvailable, poolMax
}
