package services

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatMonitor evicts workers that stopped heartbeating and returns
// their tasks to the queue.
type HeartbeatMonitor struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	interval   time.Duration // default 60s
}

func NewHeartbeatMonitor(logger *slog.Logger, d *Dispatcher, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HeartbeatMonitor{
		logger:     logger,
		dispatcher: d,
		interval:   interval,
	}
}

// Run starts the monitor loop. Blocks until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	m.logger.Info("heartbeat monitor started", "interval", m.interval, "timeout", m.dispatcher.cfg.HeartbeatTimeout)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.dispatcher.EvictStale()
		}
	}
}

// EvictStale removes every worker whose last heartbeat is older than the
// heartbeat timeout and requeues the tasks it held. It returns the number of
// evicted workers.
func (d *Dispatcher) EvictStale() int {
	stale := d.registry.Expired(d.now(), d.cfg.HeartbeatTimeout)
	for _, w := range stale {
		n := d.requeueOrphans(w.ID, "worker heartbeat expired")
		d.metrics.WorkerEvicted("heartbeat_timeout")
		d.logger.Warn("worker evicted",
			"worker_id", w.ID,
			"last_heartbeat", w.LastHeartbeat,
			"requeued", n,
		)
	}
	if len(stale) > 0 {
		d.metrics.WorkersRegistered(d.registry.Len())
	}
	return len(stale)
}
