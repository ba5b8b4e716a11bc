package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const desktopProbeTimeout = 2 * time.Second

// SubmitRequest is what a client supplies for a new task.
type SubmitRequest struct {
	Kind            domain.TaskKind
	Priority        domain.TaskPriority // zero means NORMAL
	Payload         json.RawMessage
	Timeout         time.Duration // zero means the configured default
	Source          string
	RequiresDesktop bool
}

// SubmitResult is returned to the submitting client.
type SubmitResult struct {
	TaskID        domain.TaskID
	Status        domain.TaskStatus
	EstimatedWait time.Duration
}

// StatusReport is sent by a worker as it runs an assigned task.
type StatusReport struct {
	TaskID   domain.TaskID
	WorkerID domain.WorkerID
	Status   domain.TaskStatus
	Result   json.RawMessage
	Error    string
}

// Dispatcher owns the queue, the worker registry and the in-memory task
// records, and implements every operation exposed at the boundary. The
// scheduling loops (DispatchLoop, HeartbeatMonitor, TaskReaper) drive it.
type Dispatcher struct {
	logger    *slog.Logger
	cfg       domain.DispatchConfig
	desktop   string // endpoint assumed for a desktop cell that registers without one
	registry  *WorkerRegistry
	queue     *TaskQueue
	tracker   *TaskTracker
	transport ports.Transport
	writer    *StoreWriter
	eventBus  *EventBus
	metrics   ports.Metrics
	inflight  *semaphore.Weighted
	now       func() time.Time
}

func NewDispatcher(
	logger *slog.Logger,
	cfg domain.DispatchConfig,
	desktopCellURL string,
	registry *WorkerRegistry,
	queue *TaskQueue,
	tracker *TaskTracker,
	transport ports.Transport,
	writer *StoreWriter,
	eventBus *EventBus,
	metrics ports.Metrics,
) *Dispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 1
	}
	limit := cfg.MaxInflightDeliveries
	if limit <= 0 {
		limit = 4
	}
	return &Dispatcher{
		logger:    logger,
		cfg:       cfg,
		desktop:   desktopCellURL,
		registry:  registry,
		queue:     queue,
		tracker:   tracker,
		transport: transport,
		writer:    writer,
		eventBus:  eventBus,
		metrics:   metrics,
		inflight:  semaphore.NewWeighted(limit),
		now:       time.Now,
	}
}

// Run starts the dispatch loop, heartbeat monitor and task reaper and blocks
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewDispatchLoop(d.logger, d, d.cfg.Interval).Run(gCtx)
	})
	g.Go(func() error {
		return NewHeartbeatMonitor(d.logger, d, d.cfg.HeartbeatCheckInterval).Run(gCtx)
	})
	g.Go(func() error {
		return NewTaskReaper(d.logger, d, d.cfg.ReapInterval).Run(gCtx)
	})
	return g.Wait()
}

// Submit records a new PENDING task and queues it.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	kind, err := domain.ParseTaskKind(string(req.Kind))
	if err != nil {
		return SubmitResult{}, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return SubmitResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidPriority, int(priority))
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTaskTimeout
	}

	now := d.now()
	task := domain.Task{
		ID:              domain.TaskID(uuid.New().String()),
		Kind:            kind,
		Priority:        priority,
		Payload:         req.Payload,
		Timeout:         timeout,
		Status:          domain.TaskStatusPending,
		Source:          req.Source,
		RequiresDesktop: req.RequiresDesktop,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}

	// The record and the submitted event must precede any dispatch tick that
	// can dequeue the task.
	d.tracker.Add(task)
	d.record(task, "", "task submitted")
	if err := d.queue.Enqueue(task); err != nil {
		d.tracker.Forget(task.ID)
		return SubmitResult{}, fmt.Errorf("failed to queue task: %w", err)
	}
	d.metrics.TaskSubmitted(kind, priority)
	d.metrics.QueueDepth(d.queue.Len())

	d.logger.Info("task submitted", "task_id", task.ID, "kind", kind, "priority", priority.String())

	return SubmitResult{
		TaskID:        task.ID,
		Status:        task.Status,
		EstimatedWait: d.queue.Estimate(priority),
	}, nil
}

// GetStatus consults memory first, then the durable store for tasks that
// were already evicted from memory.
func (d *Dispatcher) GetStatus(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	if t, ok := d.tracker.Get(id); ok {
		return t, nil
	}
	if d.writer == nil {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	t, err := d.writer.LoadTask(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("failed to load task from store: %w", err)
	}
	return t, nil
}

// ReportStatus applies a RUNNING or terminal report from the assigned worker.
// Terminal reports release the worker's load.
func (d *Dispatcher) ReportStatus(ctx context.Context, rep StatusReport) (domain.Task, error) {
	now := d.now()

	switch {
	case rep.Status == domain.TaskStatusRunning:
		t, err := d.tracker.MarkRunning(rep.TaskID, rep.WorkerID, now)
		if err != nil {
			return domain.Task{}, err
		}
		d.record(t, rep.WorkerID, "task running")
		return t, nil

	case rep.Status == domain.TaskStatusCompleted || rep.Status == domain.TaskStatusFailed:
		t, released, err := d.tracker.Finish(rep.TaskID, rep.WorkerID, rep.Status, rep.Result, rep.Error, now)
		if err != nil {
			return domain.Task{}, err
		}
		if released != nil {
			d.registry.Release(released.WorkerID)
		}
		d.record(t, rep.WorkerID, rep.Error)
		d.metrics.TaskFinished(t.Kind, t.Status)
		d.logger.Info("task finished", "task_id", t.ID, "worker_id", rep.WorkerID, "status", t.Status)
		return t, nil

	default:
		return domain.Task{}, fmt.Errorf("%w: workers may not report %q", domain.ErrInvalidTransition, rep.Status)
	}
}

// RegisterWorker inserts or replaces a worker record.
func (d *Dispatcher) RegisterWorker(ctx context.Context, w domain.WorkerCapacity) (domain.WorkerCapacity, error) {
	if w.Privileged() && w.Endpoint == "" {
		w.Endpoint = d.desktop
	}
	rec, err := d.registry.Register(w)
	if err != nil {
		return domain.WorkerCapacity{}, err
	}
	if d.writer != nil {
		d.writer.PutWorker(rec)
	}
	d.metrics.WorkersRegistered(d.registry.Len())
	return rec, nil
}

// Heartbeat refreshes a worker's liveness and load snapshot.
func (d *Dispatcher) Heartbeat(ctx context.Context, id domain.WorkerID, currentLoad int) (domain.WorkerCapacity, error) {
	rec, err := d.registry.Heartbeat(id, currentLoad)
	if err != nil {
		return domain.WorkerCapacity{}, err
	}
	if d.writer != nil {
		d.writer.PutWorker(rec)
	}
	return rec, nil
}

// DeregisterWorker evicts a worker immediately and requeues its tasks.
func (d *Dispatcher) DeregisterWorker(ctx context.Context, id domain.WorkerID) (int, error) {
	if _, ok := d.registry.Evict(id); !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	d.metrics.WorkerEvicted("deregistered")
	d.metrics.WorkersRegistered(d.registry.Len())
	n := d.requeueOrphans(id, "worker deregistered")
	d.logger.Info("worker deregistered", "worker_id", id, "requeued", n)
	return n, nil
}

// ListWorkers returns all registered workers sorted by id.
func (d *Dispatcher) ListWorkers() []domain.WorkerCapacity {
	return d.registry.List()
}

// DeadLetters returns tasks that exhausted their retry budget.
func (d *Dispatcher) DeadLetters() []domain.Task {
	return d.tracker.DeadLetters()
}

// Stats aggregates registry and queue state.
func (d *Dispatcher) Stats() domain.DispatcherStats {
	workers := d.registry.List()
	byKind := make(map[domain.WorkerKind]domain.KindLoad)
	for _, w := range workers {
		kl := byKind[w.Kind]
		kl.Count++
		kl.TotalCapacity += w.MaxConcurrent
		kl.UsedCapacity += w.CurrentLoad
		byKind[w.Kind] = kl
	}
	return domain.DispatcherStats{
		TotalWorkers:     len(workers),
		ActiveTasks:      d.tracker.ActiveCount(),
		QueuedTasks:      d.queue.Len(),
		DeadLetters:      len(d.tracker.DeadLetters()),
		LoadByKind:       byKind,
		AverageQueueTime: d.queue.Estimate(domain.PriorityNormal),
	}
}

// Health reports degraded when the durable store is unreachable or the last
// write-through failed. Routing is unaffected either way. The desktop cell is
// probed at its configured URL.
func (d *Dispatcher) Health(ctx context.Context) domain.Health {
	h := domain.Health{
		Status:            domain.HealthHealthy,
		StoreOK:           true,
		DesktopCellURL:    d.desktop,
		DesktopRegistered: d.registry.HasPrivileged(),
		ActiveTasks:       d.tracker.ActiveCount(),
		QueuedTasks:       d.queue.Len(),
		RegisteredCount:   d.registry.Len(),
		CheckedAt:         d.now(),
	}
	if d.desktop != "" {
		probeCtx, cancel := context.WithTimeout(ctx, desktopProbeTimeout)
		err := d.transport.Probe(probeCtx, d.desktop)
		cancel()
		if err != nil {
			d.logger.Debug("desktop cell unreachable", "url", d.desktop, "error", err)
		}
		h.DesktopCell = err == nil
	}
	if d.writer == nil {
		return h
	}
	h.StorePending = d.writer.Pending()
	if err := d.writer.Check(ctx); err != nil {
		h.Status = domain.HealthDegraded
		h.StoreOK = false
		h.StoreError = err.Error()
	}
	return h
}

// Close makes the queue refuse new tasks, so submissions still draining
// during shutdown fail with domain.ErrQueueClosed. Tasks already queued stay
// where they are.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// requeueOrphans returns every task held by workerID to the queue without
// charging a delivery attempt.
func (d *Dispatcher) requeueOrphans(workerID domain.WorkerID, reason string) int {
	n := 0
	for _, id := range d.tracker.AssignedTo(workerID) {
		t, err := d.tracker.ReleaseAssignment(id, workerID, false, d.now())
		if err != nil {
			continue
		}
		if err := d.queue.Enqueue(t); err != nil {
			d.logger.Error("failed to requeue orphaned task", "task_id", id, "error", err)
			continue
		}
		d.record(t, workerID, reason)
		n++
	}
	return n
}

// record writes the task through to the store and publishes the transition.
func (d *Dispatcher) record(t domain.Task, workerID domain.WorkerID, msg string) {
	if d.writer != nil {
		d.writer.PutTask(t)
	}
	if d.eventBus != nil {
		d.eventBus.Publish(domain.TaskEvent{
			TaskID:    t.ID,
			Status:    t.Status,
			WorkerID:  workerID,
			Attempts:  t.Attempts,
			Message:   msg,
			Timestamp: d.now(),
		})
	}
}
