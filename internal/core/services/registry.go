package services

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// WorkerRegistry tracks declared capacity, load and liveness of every
// registered worker. All access goes through a single mutex, so "pick the
// best eligible worker and bump its load" is one critical section and two
// concurrent reservations can never push a worker past MaxConcurrent.
type WorkerRegistry struct {
	mu      sync.Mutex
	logger  *slog.Logger
	workers map[domain.WorkerID]*domain.WorkerCapacity
	now     func() time.Time
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(logger *slog.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		logger:  logger,
		workers: make(map[domain.WorkerID]*domain.WorkerCapacity),
		now:     time.Now,
	}
}

// Register inserts or replaces a worker. The reported CurrentLoad is taken
// as the truth, clamped into [0, MaxConcurrent].
func (r *WorkerRegistry) Register(w domain.WorkerCapacity) (domain.WorkerCapacity, error) {
	w.ID = domain.WorkerID(strings.TrimSpace(string(w.ID)))
	if err := w.Validate(); err != nil {
		return domain.WorkerCapacity{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec := w.Clone()
	rec.CurrentLoad = clampLoad(w.CurrentLoad, w.MaxConcurrent)
	rec.LastHeartbeat = now
	rec.RegisteredAt = now
	if prev, ok := r.workers[w.ID]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	}
	r.workers[w.ID] = &rec

	r.logger.Info("worker registered",
		"worker_id", rec.ID,
		"kind", rec.Kind,
		"max_concurrent", rec.MaxConcurrent,
		"current_load", rec.CurrentLoad,
	)
	return rec.Clone(), nil
}

// Heartbeat refreshes liveness and overwrites the load snapshot.
func (r *WorkerRegistry) Heartbeat(id domain.WorkerID, currentLoad int) (domain.WorkerCapacity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return domain.WorkerCapacity{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	w.LastHeartbeat = r.now()
	w.CurrentLoad = clampLoad(currentLoad, w.MaxConcurrent)
	return w.Clone(), nil
}

// Evict removes a worker. Tasks assigned to it are orphaned; the caller
// requeues them.
func (r *WorkerRegistry) Evict(id domain.WorkerID) (domain.WorkerCapacity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return domain.WorkerCapacity{}, false
	}
	delete(r.workers, id)
	return w.Clone(), true
}

// Expired evicts and returns every worker whose heartbeat is older than
// timeout at now.
func (r *WorkerRegistry) Expired(now time.Time, timeout time.Duration) []domain.WorkerCapacity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []domain.WorkerCapacity
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > timeout {
			stale = append(stale, w.Clone())
			delete(r.workers, id)
		}
	}
	slices.SortFunc(stale, byWorkerID)
	return stale
}

// Eligible returns workers with spare capacity that can serve kind, sorted
// by id.
func (r *WorkerRegistry) Eligible(kind domain.TaskKind) []domain.WorkerCapacity {
	return r.EligibleFor(domain.Task{Kind: kind})
}

// EligibleFor is Eligible with the task's desktop requirement applied.
func (r *WorkerRegistry) EligibleFor(t domain.Task) []domain.WorkerCapacity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligibleLocked(t)
}

func (r *WorkerRegistry) eligibleLocked(t domain.Task) []domain.WorkerCapacity {
	out := make([]domain.WorkerCapacity, 0, len(r.workers))
	for _, w := range r.workers {
		if w.HasSpareCapacity() && w.CanServe(t) {
			out = append(out, w.Clone())
		}
	}
	slices.SortFunc(out, byWorkerID)
	return out
}

// Reserve selects the best worker for t and increments its load in the same
// critical section. It returns the post-increment snapshot.
func (r *WorkerRegistry) Reserve(t domain.Task) (domain.WorkerCapacity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chosen, ok := SelectWorker(t, r.eligibleLocked(t))
	if !ok {
		return domain.WorkerCapacity{}, domain.ErrNoEligibleWorker
	}
	w := r.workers[chosen.ID]
	w.CurrentLoad++
	return w.Clone(), nil
}

// Release gives back one unit of load. It reports false when the worker is
// gone (evicted workers carry no load).
func (r *WorkerRegistry) Release(id domain.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	return true
}

// Get returns a copy of one worker record.
func (r *WorkerRegistry) Get(id domain.WorkerID) (domain.WorkerCapacity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return domain.WorkerCapacity{}, false
	}
	return w.Clone(), true
}

// List returns copies of all workers sorted by id.
func (r *WorkerRegistry) List() []domain.WorkerCapacity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WorkerCapacity, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	slices.SortFunc(out, byWorkerID)
	return out
}

func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// HasPrivileged reports whether a desktop cell is registered.
func (r *WorkerRegistry) HasPrivileged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Privileged() {
			return true
		}
	}
	return false
}

func clampLoad(load, limit int) int {
	if load < 0 {
		return 0
	}
	if load > limit {
		return limit
	}
	return load
}

func byWorkerID(a, b domain.WorkerCapacity) int {
	return strings.Compare(string(a.ID), string(b.ID))
}
