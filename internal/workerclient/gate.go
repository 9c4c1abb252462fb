package workerclient

import (
	"context"
	"math"
	"sync"
	"time"
)

// Gate is a per-process AIMD (additive-increase / multiplicative-decrease)
// semaphore around a worker's outbound HTTP calls to the server.
// On HTTP 503 the limit halves and a backoff window opens, exponential in
// consecutive 503s and capped at 30s; on success the limit grows by +0.1,
// capped at Max. A background probe also nudges the limit from the
// server's reported pool utilization, ahead of actually hitting 503s.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond

	limit    float64
	min      float64
	max      float64
	inFlight int

	consecutive503 int
	backoffUntil   time.Time
}

const maxBackoff = 30 * time.Second

// NewGate constructs a Gate starting at initial concurrency, bounded to
// [1, max].
func NewGate(initial, max float64) *Gate {
	if initial < 1 {
		initial = 1
	}
	g := &Gate{limit: initial, min: 1, max: max}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a slot is available (respecting any open backoff
// window) or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if wait := time.Until(g.backoffUntil); wait > 0 {
			g.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
			g.mu.Lock()
			continue
		}
		if float64(g.inFlight) < g.limit {
			g.inFlight++
			return nil
		}
		g.cond.Wait()
	}
}

// Release returns a slot and reports the outcome of the call the slot
// guarded, adjusting the limit and any backoff window.
func (g *Gate) Release(statusCode int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight--
	if g.inFlight < 0 {
		g.inFlight = 0
	}

	switch {
	case statusCode == 503:
		g.consecutive503++
		g.limit = math.Max(g.min, g.limit/2)
		g.backoffUntil = time.Now().Add(backoffDelay(g.consecutive503))
	case statusCode > 0 && statusCode < 400:
		g.consecutive503 = 0
		g.limit = math.Min(g.max, g.limit+0.1)
	}

	g.cond.Broadcast()
}

// AdjustFromUtilization shrinks the limit preemptively when the server
// reports high utilization or waiters, and grows it back when utilization
// is low, ahead of ever seeing a 503.
func (g *Gate) AdjustFromUtilization(utilization float64, requestsWaiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case utilization > 0.8 || requestsWaiting > 0:
		g.limit = math.Max(g.min, g.limit*0.9)
	case utilization < 0.4:
		g.limit = math.Min(g.max, g.limit+0.1)
	}
	g.cond.Broadcast()
}

// Limit returns the current concurrency limit, for telemetry.
func (g *Gate) Limit() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

func backoffDelay(consecutive503 int) time.Duration {
	delay := time.Second
	for i := 1; i < consecutive503; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
