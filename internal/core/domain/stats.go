package domain

import "time"

// KindLoad aggregates capacity for one worker kind.
type KindLoad struct {
	Count         int `json:"count"`
	TotalCapacity int `json:"total_capacity"`
	UsedCapacity  int `json:"used_capacity"`
}

// DispatcherStats is the aggregate view served by GetStats.
type DispatcherStats struct {
	TotalWorkers     int                     `json:"total_workers"`
	ActiveTasks      int                     `json:"active_tasks"`
	QueuedTasks      int                     `json:"queued_tasks"`
	DeadLetters      int                     `json:"dead_letters"`
	LoadByKind       map[WorkerKind]KindLoad `json:"load_by_kind"`
	AverageQueueTime time.Duration           `json:"average_queue_time"`
}

type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// Health summarizes dependency state. Store trouble degrades, never fails.
type Health struct {
	Status            HealthState `json:"status"`
	StoreOK           bool        `json:"store_ok"`
	StoreError        string      `json:"store_error,omitempty"`
	StorePending      int         `json:"store_pending"`
	DesktopCell       bool        `json:"desktop_cell"`
	DesktopCellURL    string      `json:"desktop_cell_url,omitempty"`
	DesktopRegistered bool        `json:"desktop_cell_registered"`
	ActiveTasks       int         `json:"active_tasks"`
	QueuedTasks       int         `json:"queued_tasks"`
	RegisteredCount   int         `json:"registered_organelles"`
	CheckedAt         time.Time   `json:"checked_at"`
}

// TaskEvent is published on every task transition.
type TaskEvent struct {
	TaskID    TaskID     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	WorkerID  WorkerID   `json:"worker_id,omitempty"`
	Attempts  int        `json:"attempts"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
