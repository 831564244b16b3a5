package engine

import (
	"context"
	"time"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/storage"
)

// gcDiscardRatio rewrites a value log file once half of it is garbage.
const gcDiscardRatio = 0.5

// runCheckpoints flushes dirty rollup buckets every interval. Failed devices
// stay dirty and are retried on the next tick; consecutive failures back off
// the logging, not the flushing.
func (e *Engine) runCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultCheckpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := e.Aggregator.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				consecutiveErrors++
				// 1s, 2s, 4s ... capped at 5m between log lines
				backoff := min(time.Duration(1<<uint(min(consecutiveErrors-1, 8)))*time.Second, maxBackoff)
				if lastErrorTime.IsZero() || time.Since(lastErrorTime) >= backoff {
					e.logger.Error("rollup checkpoint failed",
						"consecutive_errors", consecutiveErrors, "error", err)
					lastErrorTime = time.Now()
				}
				continue
			}
			if consecutiveErrors > 0 {
				e.logger.Info("rollup checkpoint recovered", "after_errors", consecutiveErrors)
				consecutiveErrors = 0
				lastErrorTime = time.Time{}
			}
			e.logger.Debug("rollup checkpoint written", "duration", time.Since(start).Round(time.Millisecond))
		}
	}
}

// runGC runs value log garbage collection periodically to reclaim disk space
// after eviction deletes segments.
func (e *Engine) runGC(ctx context.Context, gc storage.GarbageCollector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("garbage collection scheduler started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := gc.RunGC(gcDiscardRatio); err != nil {
				e.metrics.IncStorageError()
				e.logger.Warn("garbage collection failed", "error", err)
				continue
			}
			e.logger.Debug("garbage collection completed", "duration", time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			e.logger.Info("stopping garbage collection scheduler")
			return
		}
	}
}

// runDeviceSweep forgets devices that stopped reporting so they no longer
// count against the device limit.
func (e *Engine) runDeviceSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Coordinator.SweepDevices(e.now())
		}
	}
}
