package services

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

type queueEntry struct {
	task      domain.Task
	seq       uint64
	notBefore time.Time
}

// entryHeap orders by priority (highest first), then submission order.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*queueEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TaskQueue holds PENDING tasks for the dispatch loop. Delivery is
// priority-ordered, FIFO within a priority level. A task can be parked until a
// not-before time, which is how retry backoff is applied.
type TaskQueue struct {
	mu       sync.Mutex
	items    entryHeap
	queued   map[domain.TaskID]struct{}
	seq      uint64
	closed   bool
	unitCost time.Duration
}

// NewTaskQueue creates a queue; unitCost feeds the wait estimate.
func NewTaskQueue(unitCost time.Duration) *TaskQueue {
	if unitCost <= 0 {
		unitCost = 2 * time.Second
	}
	return &TaskQueue{
		queued:   make(map[domain.TaskID]struct{}),
		unitCost: unitCost,
	}
}

// Enqueue makes a PENDING task visible to the dispatch loop immediately.
func (q *TaskQueue) Enqueue(task domain.Task) error {
	return q.EnqueueAfter(task, time.Time{})
}

// EnqueueAfter parks the task until notBefore. Enqueueing a task that is
// already queued is a no-op.
func (q *TaskQueue) EnqueueAfter(task domain.Task, notBefore time.Time) error {
	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: enqueue task %s in status %s", domain.ErrInvalidTransition, task.ID, task.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if _, dup := q.queued[task.ID]; dup {
		return nil
	}
	q.seq++
	heap.Push(&q.items, &queueEntry{task: task.Clone(), seq: q.seq, notBefore: notBefore})
	q.queued[task.ID] = struct{}{}
	return nil
}

// Dequeue removes the best task that is ready at now. ok is false when the
// queue is empty or every entry is still backing off.
func (q *TaskQueue) Dequeue(now time.Time) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var parked []*queueEntry
	defer func() {
		for _, e := range parked {
			heap.Push(&q.items, e)
		}
	}()

	for q.items.Len() > 0 {
		e := heap.Pop(&q.items).(*queueEntry)
		if e.notBefore.After(now) {
			parked = append(parked, e)
			continue
		}
		delete(q.queued, e.task.ID)
		return e.task, true
	}
	return domain.Task{}, false
}

// Contains reports whether id is waiting in the queue.
func (q *TaskQueue) Contains(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[id]
	return ok
}

// Len counts queued tasks, including those backing off.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Estimate is depth * unitCost * priority multiplier. It is advisory only.
func (q *TaskQueue) Estimate(priority domain.TaskPriority) time.Duration {
	depth := q.Len()
	return time.Duration(float64(depth) * float64(q.unitCost) * priority.WaitMultiplier())
}

// Close rejects further Enqueue calls; queued tasks stay readable.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
