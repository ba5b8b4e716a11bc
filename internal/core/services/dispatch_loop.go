package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// DispatchLoop drains the queue on a fixed interval.
type DispatchLoop struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	interval   time.Duration
}

func NewDispatchLoop(logger *slog.Logger, d *Dispatcher, interval time.Duration) *DispatchLoop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DispatchLoop{
		logger:     logger,
		dispatcher: d,
		interval:   interval,
	}
}

// Run starts the dispatch loop. Blocks until ctx is cancelled.
func (l *DispatchLoop) Run(ctx context.Context) error {
	l.logger.Info("dispatch loop started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
			if n := l.dispatcher.DispatchTick(ctx); n > 0 {
				l.logger.Debug("dispatch tick", "assigned", n)
			}
		}
	}
}

// DispatchTick takes up to Batch ready tasks from the queue, assigns each to
// the fittest eligible worker and delivers them concurrently. It returns once
// every delivery started in this tick has settled, reporting how many tasks
// were delivered successfully.
func (d *Dispatcher) DispatchTick(ctx context.Context) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)

	// Take the batch up front so a task requeued during this tick waits for
	// the next one.
	now := d.now()
	batch := make([]domain.Task, 0, d.cfg.Batch)
	for len(batch) < d.cfg.Batch {
		task, ok := d.queue.Dequeue(now)
		if !ok {
			break
		}
		batch = append(batch, task)
	}

	for _, task := range batch {
		if ctx.Err() != nil {
			// Shutting down: hand the rest back untouched.
			d.requeue(task, 0)
			continue
		}

		worker, assignment, err := d.assign(task)
		if err != nil {
			d.handleUnroutable(task, err)
			continue
		}

		if err := d.inflight.Acquire(ctx, 1); err != nil {
			d.handleDeliveryFailure(ctx, task.ID, worker, err)
			continue
		}

		wg.Add(1)
		go func(t domain.Task, w domain.WorkerCapacity, a domain.Assignment) {
			defer wg.Done()
			defer d.inflight.Release(1)

			if d.deliver(ctx, t, w, a) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(task, worker, assignment)
	}

	wg.Wait()
	d.metrics.QueueDepth(d.queue.Len())
	return delivered
}

// assign reserves a worker slot and moves the task to ASSIGNED.
func (d *Dispatcher) assign(task domain.Task) (domain.WorkerCapacity, domain.Assignment, error) {
	worker, err := d.registry.Reserve(task)
	if err != nil {
		return domain.WorkerCapacity{}, domain.Assignment{}, err
	}

	now := d.now()
	a := domain.Assignment{
		TaskID:     task.ID,
		WorkerID:   worker.ID,
		AssignedAt: now,
		Deadline:   now.Add(task.Timeout),
	}
	assigned, err := d.tracker.MarkAssigned(task.ID, a)
	if err != nil {
		d.registry.Release(worker.ID)
		return domain.WorkerCapacity{}, domain.Assignment{}, fmt.Errorf("mark assigned: %w", err)
	}
	d.record(assigned, worker.ID, "task assigned")
	d.metrics.TaskQueueWait(task.Kind, now.Sub(task.SubmittedAt))
	return worker, a, nil
}

// deliver hands the task to the worker's transport and reports success.
func (d *Dispatcher) deliver(ctx context.Context, task domain.Task, worker domain.WorkerCapacity, a domain.Assignment) bool {
	timeout := d.cfg.DeliveryTimeout
	if task.Timeout > 0 && (timeout <= 0 || task.Timeout < timeout) {
		timeout = task.Timeout
	}
	deliverCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := d.transport.DeliverTask(deliverCtx, worker, task); err != nil {
		d.handleDeliveryFailure(ctx, task.ID, worker, err)
		return false
	}

	d.metrics.TaskDispatched(task.Kind, worker.Kind)
	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"worker_id", worker.ID,
		"kind", task.Kind,
		"deadline", a.Deadline,
	)
	return true
}

// handleUnroutable parks a task nobody can serve right now, or dead-letters it
// when the unroutable bound is set and reached.
func (d *Dispatcher) handleUnroutable(task domain.Task, cause error) {
	if !errors.Is(cause, domain.ErrNoEligibleWorker) {
		d.logger.Error("failed to assign task", "task_id", task.ID, "error", cause)
	}
	d.metrics.DispatchFailed(task.Kind, "no_eligible_worker")

	t, err := d.tracker.MarkUnroutable(task.ID, d.now())
	if err != nil {
		// Finished or swept while queued.
		d.logger.Warn("dropping stale queued task", "task_id", task.ID, "error", err)
		return
	}

	if d.cfg.Retry.UnroutableExhausted(t.Unroutable) {
		d.deadLetter(t.ID, fmt.Sprintf("no eligible worker after %d dispatch cycles", t.Unroutable))
		return
	}
	d.requeue(t, d.cfg.Retry.Backoff(t.Unroutable))
}

// handleDeliveryFailure returns the task to PENDING and frees the slot. A
// cancelled parent context is a shutdown, not a worker fault, so no attempt is
// charged in that case.
func (d *Dispatcher) handleDeliveryFailure(ctx context.Context, id domain.TaskID, worker domain.WorkerCapacity, cause error) {
	countAttempt := ctx.Err() == nil

	t, err := d.tracker.ReleaseAssignment(id, worker.ID, countAttempt, d.now())
	if err != nil {
		// The heartbeat monitor or a deregistration already requeued it.
		d.logger.Debug("delivery failure for released task", "task_id", id, "worker_id", worker.ID, "error", err)
		return
	}
	d.registry.Release(worker.ID)
	d.metrics.DispatchFailed(t.Kind, "delivery_failed")
	d.logger.Warn("task delivery failed",
		"task_id", id,
		"worker_id", worker.ID,
		"attempts", t.Attempts,
		"error", cause,
	)
	d.record(t, worker.ID, cause.Error())

	if d.cfg.Retry.DeliveriesExhausted(t.Attempts) {
		d.deadLetter(t.ID, fmt.Sprintf("delivery failed after %d attempts: %v", t.Attempts, cause))
		return
	}
	// The first failure is retried on the next tick; later ones back off.
	var delay time.Duration
	if countAttempt {
		delay = d.cfg.Retry.Backoff(t.Attempts - 1)
	}
	d.requeue(t, delay)
}

func (d *Dispatcher) requeue(t domain.Task, delay time.Duration) {
	var notBefore time.Time
	if delay > 0 {
		notBefore = d.now().Add(delay)
	}
	if err := d.queue.EnqueueAfter(t, notBefore); err != nil {
		d.logger.Error("failed to requeue task", "task_id", t.ID, "error", err)
	}
}

func (d *Dispatcher) deadLetter(id domain.TaskID, reason string) {
	t, err := d.tracker.DeadLetter(id, reason, d.now())
	if err != nil {
		d.logger.Error("failed to dead-letter task", "task_id", id, "error", err)
		return
	}
	d.metrics.TaskFinished(t.Kind, t.Status)
	d.logger.Warn("task dead-lettered", "task_id", id, "reason", reason)
	d.record(t, "", reason)
}
