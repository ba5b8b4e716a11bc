package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// TaskReaper times out assignments past their deadline and sweeps old
// terminal tasks out of memory.
type TaskReaper struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	interval   time.Duration
}

func NewTaskReaper(logger *slog.Logger, d *Dispatcher, interval time.Duration) *TaskReaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TaskReaper{
		logger:     logger,
		dispatcher: d,
		interval:   interval,
	}
}

// Run starts the reaper loop. Blocks until ctx is cancelled.
func (r *TaskReaper) Run(ctx context.Context) error {
	r.logger.Info("task reaper started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("task reaper stopped")
			return nil
		case <-ticker.C:
			r.dispatcher.ReapTimeouts()
			if n := r.dispatcher.SweepFinished(); n > 0 {
				r.logger.Debug("swept finished tasks", "count", n)
			}
		}
	}
}

// ReapTimeouts moves overdue ASSIGNED/RUNNING tasks to TIMEOUT and releases
// their worker's load. PENDING tasks never time out.
func (d *Dispatcher) ReapTimeouts() int {
	now := d.now()
	reaped := 0
	for _, id := range d.tracker.Overdue(now) {
		t, released, err := d.tracker.Finish(id, "", domain.TaskStatusTimeout, nil, "task exceeded its timeout", now)
		if err != nil {
			continue
		}
		workerID := domain.WorkerID("")
		if released != nil {
			workerID = released.WorkerID
			d.registry.Release(workerID)
		}
		d.metrics.TaskFinished(t.Kind, t.Status)
		d.logger.Warn("task timed out", "task_id", id, "worker_id", workerID, "timeout", t.Timeout)
		d.record(t, workerID, fmt.Sprintf("no result within %s", t.Timeout))
		reaped++
	}
	return reaped
}

// SweepFinished drops terminal tasks older than the retention window.
func (d *Dispatcher) SweepFinished() int {
	if d.cfg.RetentionWindow <= 0 {
		return 0
	}
	return d.tracker.Sweep(d.now(), d.cfg.RetentionWindow)
}
