package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskID string

// TaskKind is the capability tag a task is routed on.
type TaskKind string

const (
	TaskKindLightweight TaskKind = "lightweight"
	TaskKindComplex     TaskKind = "complex"
	TaskKindNetwork     TaskKind = "network"
	TaskKindSystem      TaskKind = "system"
)

// TaskKinds lists every routable kind in a stable order.
var TaskKinds = []TaskKind{TaskKindLightweight, TaskKindComplex, TaskKindNetwork, TaskKindSystem}

// ParseTaskKind accepts any casing ("COMPLEX", "complex").
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TaskKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// TaskPriority is ordinal: LOW=1 .. CRITICAL=4.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

var priorityNames = map[TaskPriority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// ParsePriority defaults to NORMAL on an empty string.
func ParsePriority(s string) (TaskPriority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four declared levels.
func (p TaskPriority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// WaitMultiplier biases the estimated queue wait by priority.
func (p TaskPriority) WaitMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.1
	case PriorityHigh:
		return 0.5
	case PriorityLow:
		return 2.0
	default:
		return 1.0
	}
}

func (p TaskPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

func (p *TaskPriority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusTimeout   TaskStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusTimeout
}

// CanTransition encodes PENDING -> ASSIGNED -> RUNNING -> terminal, plus the
// requeue edges back to PENDING that the dispatcher owns.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return to == TaskStatusAssigned || to == TaskStatusFailed
	case TaskStatusAssigned:
		return to == TaskStatusPending || to == TaskStatusRunning || to.IsTerminal()
	case TaskStatusRunning:
		return to == TaskStatusPending || to.IsTerminal()
	default:
		return false
	}
}

// Task represents one unit of work submitted to the dispatcher.
type Task struct {
	ID              TaskID          `json:"id"`
	Kind            TaskKind        `json:"kind"`
	Priority        TaskPriority    `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timeout         time.Duration   `json:"timeout"`
	Status          TaskStatus      `json:"status"`
	Source          string          `json:"source,omitempty"` // submitting organelle, informational
	RequiresDesktop bool            `json:"requires_desktop,omitempty"`
	Attempts        int             `json:"attempts"`   // failed deliveries so far
	Unroutable      int             `json:"unroutable"` // cycles without an eligible worker
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Assignment      *Assignment     `json:"assignment,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Assignment binds a task to a worker while the task is ASSIGNED or RUNNING.
type Assignment struct {
	TaskID     TaskID    `json:"task_id"`
	WorkerID   WorkerID  `json:"worker_id"`
	AssignedAt time.Time `json:"assigned_at"`
	Deadline   time.Time `json:"deadline"`
}

// Delivery is the body POSTed to a worker's /task/execute ingress.
type Delivery struct {
	Dispatcher string    `json:"dispatcher"`
	Task       Task      `json:"task"`
	Timestamp  time.Time `json:"timestamp"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	cp := t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		msg := *t.Error
		cp.Error = &msg
	}
	if t.Assignment != nil {
		a := *t.Assignment
		cp.Assignment = &a
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return cp
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidKind       = errors.New("invalid task kind")
	ErrInvalidPriority   = errors.New("invalid task priority")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotAssignee       = errors.New("worker does not own the task assignment")
	ErrQueueClosed       = errors.New("task queue closed")
)
