package workerclient

import (
	"context"
	"log/slog"
	"time"
)

// RunProbe polls GET /pool/status on an interval and feeds the result into
// the gate, shrinking the limit ahead of actual 503s when the server is
// under pressure and growing it back when idle. It blocks until ctx is
// done; call it in its own goroutine.
func RunProbe(ctx context.Context, client *Client, gate *Gate, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := client.PoolStatus(ctx)
			if err != nil {
				logger.Warn("workerclient: pool status probe failed", "error", err)
				continue
			}
			gate.AdjustFromUtilization(status.Utilization, status.RequestsWaiting)
		}
	}
}
