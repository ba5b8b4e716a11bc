package services

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// TaskTracker is the hot in-memory record of every task the dispatcher knows
// about, including its current Assignment. It enforces the status state
// machine and the one-active-assignment rule.
type TaskTracker struct {
	mu          sync.Mutex
	tasks       map[domain.TaskID]*domain.Task
	deadLetters []domain.TaskID
}

// NewTaskTracker creates an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{
		tasks: make(map[domain.TaskID]*domain.Task),
	}
}

// Add records a freshly submitted task.
func (tr *TaskTracker) Add(t domain.Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	cp := t.Clone()
	tr.tasks[t.ID] = &cp
}

// Forget drops a task that never left PENDING. It undoes Add when the task
// could not be queued.
func (tr *TaskTracker) Forget(id domain.TaskID) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		return false
	}
	delete(tr.tasks, id)
	return true
}

// Get returns a copy of the task.
func (tr *TaskTracker) Get(id domain.TaskID) (domain.Task, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// MarkAssigned moves PENDING -> ASSIGNED with a new assignment.
func (tr *TaskTracker) MarkAssigned(id domain.TaskID, a domain.Assignment) (domain.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, err := tr.transitionLocked(id, domain.TaskStatusAssigned)
	if err != nil {
		return domain.Task{}, err
	}
	a.TaskID = id
	t.Assignment = &a
	t.UpdatedAt = a.AssignedAt
	return t.Clone(), nil
}

// MarkUnroutable counts a dispatch cycle without an eligible worker. The
// task stays PENDING.
func (tr *TaskTracker) MarkUnroutable(id domain.TaskID, now time.Time) (domain.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if t.Status != domain.TaskStatusPending {
		return domain.Task{}, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, id, t.Status)
	}
	t.Unroutable++
	t.UpdatedAt = now
	return t.Clone(), nil
}

// ReleaseAssignment returns an ASSIGNED or RUNNING task to PENDING, provided
// it is still assigned to workerID. countAttempt increments Attempts.
func (tr *TaskTracker) ReleaseAssignment(id domain.TaskID, workerID domain.WorkerID, countAttempt bool, now time.Time) (domain.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if t.Assignment == nil || t.Assignment.WorkerID != workerID {
		return domain.Task{}, fmt.Errorf("%w: %s not held by %s", domain.ErrNotAssignee, id, workerID)
	}
	if _, err := tr.transitionLocked(id, domain.TaskStatusPending); err != nil {
		return domain.Task{}, err
	}
	t.Assignment = nil
	if countAttempt {
		t.Attempts++
	}
	t.UpdatedAt = now
	return t.Clone(), nil
}

// MarkRunning moves ASSIGNED -> RUNNING on behalf of the assignee.
func (tr *TaskTracker) MarkRunning(id domain.TaskID, workerID domain.WorkerID, now time.Time) (domain.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if t.Assignment == nil || t.Assignment.WorkerID != workerID {
		return domain.Task{}, fmt.Errorf("%w: %s not held by %s", domain.ErrNotAssignee, id, workerID)
	}
	if _, err := tr.transitionLocked(id, domain.TaskStatusRunning); err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = now
	return t.Clone(), nil
}

// Finish moves a task to a terminal status and drops its assignment, which
// is returned so the caller can release the worker's load. An empty
// workerID means the dispatcher itself is finishing the task.
func (tr *TaskTracker) Finish(id domain.TaskID, workerID domain.WorkerID, status domain.TaskStatus, result json.RawMessage, errMsg string, now time.Time) (domain.Task, *domain.Assignment, error) {
	if !status.IsTerminal() {
		return domain.Task{}, nil, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok {
		return domain.Task{}, nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if workerID != "" && (t.Assignment == nil || t.Assignment.WorkerID != workerID) {
		return domain.Task{}, nil, fmt.Errorf("%w: %s not held by %s", domain.ErrNotAssignee, id, workerID)
	}
	if _, err := tr.transitionLocked(id, status); err != nil {
		return domain.Task{}, nil, err
	}

	released := t.Assignment
	t.Assignment = nil
	if result != nil {
		t.Result = append(json.RawMessage(nil), result...)
	}
	if errMsg != "" {
		msg := errMsg
		t.Error = &msg
	}
	t.UpdatedAt = now
	completed := now
	t.CompletedAt = &completed
	return t.Clone(), released, nil
}

// DeadLetter fails a PENDING task that exhausted its retry budget.
func (tr *TaskTracker) DeadLetter(id domain.TaskID, reason string, now time.Time) (domain.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, err := tr.transitionLocked(id, domain.TaskStatusFailed)
	if err != nil {
		return domain.Task{}, err
	}
	t.Error = &reason
	t.UpdatedAt = now
	completed := now
	t.CompletedAt = &completed
	tr.deadLetters = append(tr.deadLetters, id)
	return t.Clone(), nil
}

// AssignedTo lists tasks currently held by workerID.
func (tr *TaskTracker) AssignedTo(workerID domain.WorkerID) []domain.TaskID {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var ids []domain.TaskID
	for id, t := range tr.tasks {
		if t.Assignment != nil && t.Assignment.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Overdue lists assigned or running tasks whose deadline passed.
func (tr *TaskTracker) Overdue(now time.Time) []domain.TaskID {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var ids []domain.TaskID
	for id, t := range tr.tasks {
		if t.Assignment != nil && !t.Assignment.Deadline.IsZero() && now.After(t.Assignment.Deadline) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Sweep drops terminal tasks older than retention from memory. The durable
// store keeps them for GetStatus.
func (tr *TaskTracker) Sweep(now time.Time, retention time.Duration) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	removed := 0
	for id, t := range tr.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && now.Sub(*t.CompletedAt) > retention {
			delete(tr.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		tr.deadLetters = slices.DeleteFunc(tr.deadLetters, func(id domain.TaskID) bool {
			_, ok := tr.tasks[id]
			return !ok
		})
	}
	return removed
}

// ActiveCount counts tasks holding an assignment.
func (tr *TaskTracker) ActiveCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	n := 0
	for _, t := range tr.tasks {
		if t.Assignment != nil {
			n++
		}
	}
	return n
}

// DeadLetters returns dead-lettered tasks still held in memory, oldest first.
func (tr *TaskTracker) DeadLetters() []domain.Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]domain.Task, 0, len(tr.deadLetters))
	for _, id := range tr.deadLetters {
		if t, ok := tr.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (tr *TaskTracker) transitionLocked(id domain.TaskID, to domain.TaskStatus) (*domain.Task, error) {
	t, ok := tr.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if !t.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, id, t.Status, to)
	}
	t.Status = to
	return t, nil
}
