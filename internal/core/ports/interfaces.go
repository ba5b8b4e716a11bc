package ports

import (
	"context"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// TaskStore abstracts the durable key-value store (DuckDB, Redis, memory).
// It is written through on every transition but never consulted for live
// routing decisions.
type TaskStore interface {
	// PutTask upserts the task record; it expires after ttl.
	PutTask(ctx context.Context, task domain.Task, ttl time.Duration) error

	// GetTask returns domain.ErrTaskNotFound when missing or expired.
	GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error)

	// PutWorker upserts the capacity snapshot; it expires after ttl.
	PutWorker(ctx context.Context, worker domain.WorkerCapacity, ttl time.Duration) error

	// Ping checks connectivity for health reporting.
	Ping(ctx context.Context) error

	Close() error
}

// Purger is implemented by stores without native key expiry. The store
// writer calls it periodically.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Transport delivers a task payload to a worker's ingress.
type Transport interface {
	// DeliverTask must honor ctx cancellation. Any refusal is an error,
	// preferably a *domain.DeliveryError.
	DeliverTask(ctx context.Context, worker domain.WorkerCapacity, task domain.Task) error

	// Probe reports whether the service at endpoint answers its health check.
	Probe(ctx context.Context, endpoint string) error
}

// Metrics receives dispatcher observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	TaskSubmitted(kind domain.TaskKind, priority domain.TaskPriority)
	TaskDispatched(kind domain.TaskKind, workerKind domain.WorkerKind)
	TaskQueueWait(kind domain.TaskKind, wait time.Duration)
	DispatchFailed(kind domain.TaskKind, reason string)
	TaskFinished(kind domain.TaskKind, status domain.TaskStatus)
	QueueDepth(depth int)
	WorkersRegistered(count int)
	WorkerEvicted(reason string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) TaskSubmitted(domain.TaskKind, domain.TaskPriority) {}
func (NopMetrics) TaskDispatched(domain.TaskKind, domain.WorkerKind) {}
func (NopMetrics) TaskQueueWait(domain.TaskKind, time.Duration) {}
func (NopMetrics) DispatchFailed(domain.TaskKind, string) {}
func (NopMetrics) TaskFinished(domain.TaskKind, domain.TaskStatus) {}
func (NopMetrics) QueueDepth(int) {}
func (NopMetrics) WorkersRegistered(int) {}
func (NopMetrics) WorkerEvicted(string) {}
